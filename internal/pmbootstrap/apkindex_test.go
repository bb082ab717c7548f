package pmbootstrap

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"
)

const sampleIndexBody = `P:hello-world
V:1.0.0-r2
A:x86_64
D:musl libc-utils>=1.2
p:hello=1.0.0
o:hello-world
C:Q1deadbeef
S:1024
t:1700000000

P:openssl
V:3.1.0-r0
A:x86_64
p:libssl.so.3=3 libcrypto.so.3=3
o:openssl
`

func buildFakeIndexArchive(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeMember := func(name string, content []byte) {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	writeMember("APKINDEX", []byte(body))
	writeMember(".SIGN.RSA.test@example.rsa.pub", []byte("fake-signature"))

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseAPKINDEXArchive(t *testing.T) {
	data := buildFakeIndexArchive(t, sampleIndexBody)
	ri, err := ParseAPKINDEXArchive(bytes.NewReader(data), ArchX86_64)
	if err != nil {
		t.Fatalf("ParseAPKINDEXArchive: %v", err)
	}
	if len(ri.All()) != 2 {
		t.Fatalf("All() = %d entries, want 2", len(ri.All()))
	}

	hw, ok := ri.ByName("hello-world")
	if !ok {
		t.Fatal("hello-world not found")
	}
	if hw.Pkgver != "1.0.0" || hw.Pkgrel != 2 {
		t.Errorf("hello-world version = %s-r%d, want 1.0.0-r2", hw.Pkgver, hw.Pkgrel)
	}
	if len(hw.Depends) != 2 || hw.Depends[0].Name != "musl" {
		t.Errorf("hello-world Depends = %+v", hw.Depends)
	}
	if hw.Size != 1024 {
		t.Errorf("hello-world Size = %d, want 1024", hw.Size)
	}

	providers := ri.ByProvider("libssl.so.3")
	if len(providers) != 1 || providers[0].Pkgname != "openssl" {
		t.Errorf("ByProvider(libssl.so.3) = %+v", providers)
	}
	if _, ok := ri.ByName("nonexistent"); ok {
		t.Error("ByName(nonexistent) unexpectedly found")
	}
}

func TestParseAPKINDEXArchiveMissingSignature(t *testing.T) {
	data := buildFakeIndexArchive(t, sampleIndexBody)
	// Rebuild without a signature member to verify it is rejected.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "APKINDEX", Size: int64(len(sampleIndexBody)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(sampleIndexBody)); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()

	if _, err := ParseAPKINDEXArchive(bytes.NewReader(buf.Bytes()), ArchX86_64); err == nil {
		t.Fatal("expected error for archive missing signature member")
	}
	_ = data
}

func TestIndexRecordIteratorToleratesUnknownKeys(t *testing.T) {
	body := "P:foo\nV:1.0-r0\nX:unknown-future-key\n\n"
	it := &IndexRecordIterator{sc: bufio.NewScanner(strings.NewReader(body))}
	e, ok := it.Next()
	if !ok {
		t.Fatalf("Next() returned ok=false, err=%v", it.Err())
	}
	if e.Pkgname != "foo" {
		t.Errorf("Pkgname = %q, want foo", e.Pkgname)
	}
	if _, ok := it.Next(); ok {
		t.Error("expected only one record")
	}
}

func TestIndexRecordIteratorMissingPkgname(t *testing.T) {
	it := &IndexRecordIterator{sc: bufio.NewScanner(strings.NewReader("V:1.0-r0\n\n"))}
	if _, ok := it.Next(); ok {
		t.Fatal("expected failure for record missing P:")
	}
	if it.Err() == nil {
		t.Error("expected Err() to report missing pkgname")
	}
}

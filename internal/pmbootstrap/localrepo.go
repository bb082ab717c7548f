package pmbootstrap

import (
	"archive/tar"
	"compress/gzip"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// localKeyID is the signing identity used for the repository pmbootstrap
// builds locally, distinct from the keys Alpine's own mirrors sign with.
const localKeyID = "pmbootstrap-local"

// localKeyDir resolves where the init-time-generated signing key lives
// under the work dir, keyed so `init` and the commit step agree on the
// same path without either needing the other's internals.
func localKeyDir(workRoot string) string { return filepath.Join(workRoot, "keys") }

// EnsureLocalSigningKey generates the key pmbootstrap signs its locally
// built APKINDEX with, if one doesn't already exist (spec §6 "the local
// key created at init time"). Grounded on the teacher's GenerateKeyPair:
// an Ed25519 keypair, hex-encoded, private half 0600.
func EnsureLocalSigningKey(workRoot string) error {
	dir := localKeyDir(workRoot)
	privPath := filepath.Join(dir, localKeyID+".key")
	if _, err := os.Stat(privPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, localKeyID+".pub"), []byte(hex.EncodeToString(pub)), 0o644)
}

func loadLocalPrivateKey(workRoot string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(localKeyDir(workRoot), localKeyID+".key"))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, &ErrConfigInvalid{Key: "signing key", Msg: "malformed local private key"}
	}
	return ed25519.PrivateKey(raw), nil
}

// RebuildLocalIndex regenerates packages/<arch>/APKINDEX.tar.gz from
// every .apk present in dir, signed with the local key (spec §4.5 step
// 9). Record layout matches what apkindex.go's reader expects: a bare
// `APKINDEX` text member plus exactly one `.SIGN.RSA.<keyname>` member —
// named per Alpine convention even though pmbootstrap's own repository
// signs with Ed25519 rather than RSA, since the reader only keys off the
// filename prefix, not the algorithm.
func RebuildLocalIndex(dir string, arch Arch, workRoot string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var body strings.Builder
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".apk" {
			continue
		}
		entry, err := indexEntryFromApk(filepath.Join(dir, e.Name()), arch)
		if err != nil {
			warnf("skipping %s while rebuilding index: %v", e.Name(), err)
			continue
		}
		writeIndexRecord(&body, entry)
	}

	priv, err := loadLocalPrivateKey(workRoot)
	if err != nil {
		return fmt.Errorf("loading local signing key: %w", err)
	}
	sig := ed25519.Sign(priv, []byte(body.String()))

	return writeIndexArchive(filepath.Join(dir, "APKINDEX.tar.gz"), body.String(), sig)
}

func writeIndexRecord(b *strings.Builder, e IndexEntry) {
	fmt.Fprintf(b, "P:%s\n", e.Pkgname)
	fmt.Fprintf(b, "V:%s-r%d\n", e.Pkgver, e.Pkgrel)
	fmt.Fprintf(b, "A:%s\n", e.Arch)
	if len(e.Depends) > 0 {
		parts := make([]string, len(e.Depends))
		for i, d := range e.Depends {
			parts[i] = d.String()
		}
		fmt.Fprintf(b, "D:%s\n", strings.Join(parts, " "))
	}
	if len(e.Provides) > 0 {
		fmt.Fprintf(b, "p:%s\n", strings.Join(e.Provides, " "))
	}
	fmt.Fprintf(b, "o:%s\n", e.Origin)
	fmt.Fprintf(b, "C:%s\n", e.Checksum)
	fmt.Fprintf(b, "S:%d\n", e.Size)
	fmt.Fprintf(b, "t:%d\n\n", e.BuildTime)
}

// indexEntryFromApk extracts the .PKGINFO record embedded in a built
// .apk to build an IndexEntry, the same three-gzip-member layout
// extractStaticApk reads.
func indexEntryFromApk(path string, arch Arch) (IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return IndexEntry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return IndexEntry{}, err
	}

	sum, err := Blake3FingerprintFile(path)
	if err != nil {
		return IndexEntry{}, err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return IndexEntry{}, err
	}
	defer gz.Close()
	gz.Multistream(false)

	for {
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err != nil {
				break
			}
			if filepath.Base(hdr.Name) != ".PKGINFO" {
				continue
			}
			buf := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, buf); err != nil {
				continue
			}
			e := pkginfoToEntry(string(buf), arch)
			e.Size = info.Size()
			e.Checksum = "Q1" + sum[:40]
			return e, nil
		}
		if err := gz.Reset(f); err != nil {
			break
		}
		gz.Multistream(false)
	}
	return IndexEntry{}, &ErrIndexCorrupt{Msg: path + ": no .PKGINFO member found"}
}

func pkginfoToEntry(body string, arch Arch) IndexEntry {
	e := IndexEntry{Arch: arch}
	for _, line := range strings.Split(body, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "pkgname":
			e.Pkgname = val
		case "pkgver":
			e.Pkgver, e.Pkgrel = splitPkgverPkgrel(val)
		case "origin":
			e.Origin = val
		case "depend":
			e.Depends = parseDepends([]string{val}, false, false)
		case "provides":
			e.Provides = append(e.Provides, val)
		}
	}
	return e
}

func writeIndexArchive(path, body string, sig []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	sigName := ".SIGN.RSA." + localKeyID + ".rsa.pub"
	if err := tw.WriteHeader(&tar.Header{Name: sigName, Size: int64(len(sig)), Mode: 0o644}); err != nil {
		return err
	}
	if _, err := tw.Write(sig); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "APKINDEX", Size: int64(len(body)), Mode: 0o644}); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

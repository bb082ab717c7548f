package pmbootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleAPKBUILD = `# test recipe
pkgname=hello-world
pkgver=1.0.0
pkgrel=2
pkgdesc="a sample package"
arch="all"
depends="musl libc-utils>=1.2"
makedepends="gcc make"
checkdepends="bash"
subpackages="hello-world-doc:doc hello-world-dev"
provides="hello=1.0.0"
source="https://example.org/hello-1.0.0.tar.gz::hello-1.0.0.tar.gz"
sha512sums="deadbeef  hello-1.0.0.tar.gz"
options="!check"

case "$CARCH" in
	armhf|armv7) subarch_extra="yes" ;;
	*) subarch_extra="no" ;;
esac

build() {
	make
}
`

func writeAPKBUILD(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "APKBUILD"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestParseAPKBUILDBasics(t *testing.T) {
	dir := writeAPKBUILD(t, sampleAPKBUILD)
	r, err := ParseAPKBUILD(dir, ArchX86_64)
	if err != nil {
		t.Fatalf("ParseAPKBUILD: %v", err)
	}
	if r.Pkgname != "hello-world" {
		t.Errorf("Pkgname = %q, want hello-world", r.Pkgname)
	}
	if r.Pkgver != "1.0.0" || r.Pkgrel != 2 {
		t.Errorf("version = %s-r%d, want 1.0.0-r2", r.Pkgver, r.Pkgrel)
	}
	if len(r.Depends) != 2 || r.Depends[0].Name != "musl" || r.Depends[1].Name != "libc-utils" {
		t.Errorf("Depends = %+v", r.Depends)
	}
	if r.Depends[1].Op != OpGE {
		t.Errorf("Depends[1].Op = %v, want >=", r.Depends[1].Op)
	}
	if len(r.MakeDepends) != 2 || !r.MakeDepends[0].Make {
		t.Errorf("MakeDepends = %+v", r.MakeDepends)
	}
	if len(r.Subpackages) != 2 || r.Subpackages[0].Name != "hello-world-doc" {
		t.Errorf("Subpackages = %+v", r.Subpackages)
	}
	if !r.Options["!check"] {
		t.Errorf("Options = %+v, want !check set", r.Options)
	}
	if len(r.Sources) != 1 || r.Sources[0].Sha512 == "" {
		t.Errorf("Sources = %+v", r.Sources)
	}
	v, err := r.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	want, _ := ParseVersion("1.0.0-r2")
	if v.Compare(want) != 0 {
		t.Errorf("Version() = %v, want %v", v, want)
	}
}

func TestSupportsArch(t *testing.T) {
	cases := []struct {
		arches []string
		arch   Arch
		want   bool
	}{
		{[]string{"all"}, ArchX86_64, true},
		{[]string{"noarch"}, ArchArmhf, true},
		{[]string{"all", "!armhf"}, ArchArmhf, false},
		{[]string{"all", "!armhf"}, ArchX86_64, true},
		{[]string{"x86_64", "aarch64"}, ArchArmhf, false},
		{[]string{"x86_64", "aarch64"}, ArchAarch64, true},
	}
	for _, c := range cases {
		r := &Recipe{Arches: c.arches}
		if got := r.SupportsArch(c.arch); got != c.want {
			t.Errorf("SupportsArch(%v, %s) = %v, want %v", c.arches, c.arch, got, c.want)
		}
	}
}

func TestProvidesName(t *testing.T) {
	r := &Recipe{Pkgname: "openssl", Provides: []string{"libssl.so.3=3"}, Subpackages: []Subpackage{{Name: "openssl-dev"}}}
	for _, name := range []string{"openssl", "libssl.so.3", "openssl-dev"} {
		if !r.ProvidesName(name) {
			t.Errorf("ProvidesName(%q) = false, want true", name)
		}
	}
	if r.ProvidesName("curl") {
		t.Errorf("ProvidesName(curl) = true, want false")
	}
}

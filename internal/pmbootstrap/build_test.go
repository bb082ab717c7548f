package pmbootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildChrootIDRoutesStrategies(t *testing.T) {
	cases := []struct {
		strategy BuildStrategy
		wantKind ChrootKind
	}{
		{StrategyNative, ChrootBuildroot},
		{StrategyCrossDirect, ChrootNative},
		{StrategyDistccQemu, ChrootNative},
		{StrategyQemuOnly, ChrootBuildroot},
	}
	for _, c := range cases {
		id := buildChrootID(ArchAarch64, c.strategy)
		if id.Kind != c.wantKind {
			t.Errorf("buildChrootID(%v) kind = %v, want %v", c.strategy, id.Kind, c.wantKind)
		}
	}
}

func TestHashDirTreeStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, err := hashDirTree(dir)
	if err != nil {
		t.Fatalf("hashDirTree: %v", err)
	}
	h2, err := hashDirTree(dir)
	if err != nil {
		t.Fatalf("hashDirTree: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashDirTree not stable: %q != %q", h1, h2)
	}
}

func TestHashDirTreeChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, err := hashDirTree(dir)
	if err != nil {
		t.Fatalf("hashDirTree: %v", err)
	}
	if err := os.WriteFile(path, []byte("hello, much longer content now"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := hashDirTree(dir)
	if err != nil {
		t.Fatalf("hashDirTree: %v", err)
	}
	if before == after {
		t.Error("expected fingerprint to change when file size changes")
	}
}

func TestCrossToolchainAvailableFalseWhenMissing(t *testing.T) {
	u := &Universe{Arch: ArchX86_64}
	if crossToolchainAvailable(u, ArchAarch64) {
		t.Error("expected false for an empty universe")
	}
}

func TestCrossToolchainAvailableTrueWhenAllAportsPresent(t *testing.T) {
	u := &Universe{Arch: ArchX86_64}
	for _, name := range crossAportNames(ArchAarch64) {
		u.Recipes = append(u.Recipes, &Recipe{
			Pkgname: name, Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"},
		})
	}
	if !crossToolchainAvailable(u, ArchAarch64) {
		t.Error("expected true once every cross aport name is providable")
	}
}

func TestPlannerFindRecipeNoSuchAport(t *testing.T) {
	p := &Planner{Universe: &Universe{}}
	_, err := p.findRecipe("does-not-exist")
	if _, ok := err.(*ErrNoSuchAport); !ok {
		t.Fatalf("expected *ErrNoSuchAport, got %T: %v", err, err)
	}
}

func TestPlannerIsFreshComparesFingerprint(t *testing.T) {
	root := t.TempDir()
	wd := OpenWorkDir(root, "")
	recipe := &Recipe{Pkgname: "hello", Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"}}
	p := &Planner{WorkDir: wd}
	target := BuildTarget{Pkgname: "hello", Arch: ArchX86_64}

	fresh, err := p.isFresh(recipe, target)
	if err != nil {
		t.Fatalf("isFresh: %v", err)
	}
	if fresh {
		t.Fatal("expected not fresh before any fingerprint is recorded")
	}

	fp, err := p.fingerprint(recipe, target)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	dir := wd.PackagesDir(target.Arch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hello.fingerprint"), []byte(fp), 0o644); err != nil {
		t.Fatal(err)
	}

	fresh, err = p.isFresh(recipe, target)
	if err != nil {
		t.Fatalf("isFresh: %v", err)
	}
	if !fresh {
		t.Error("expected fresh once the matching fingerprint is recorded")
	}
}

func TestPlannerIsFreshRejectsStaleDependencyVersion(t *testing.T) {
	root := t.TempDir()
	wd := OpenWorkDir(root, "")
	libfoo := &Recipe{Pkgname: "libfoo", Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"}}
	recipe := &Recipe{
		Pkgname: "app", Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"},
		Depends: []Dependency{{Name: "libfoo"}},
	}
	u := &Universe{Arch: ArchX86_64, Recipes: []*Recipe{libfoo, recipe}}
	p := &Planner{Universe: u, WorkDir: wd}
	target := BuildTarget{Pkgname: "app", Arch: ArchX86_64}

	fp, err := p.fingerprint(recipe, target)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	dir := wd.PackagesDir(target.Arch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.fingerprint"), []byte(fp), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.depversions"), []byte("libfoo=1.0-r0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fresh, err := p.isFresh(recipe, target)
	if err != nil {
		t.Fatalf("isFresh: %v", err)
	}
	if !fresh {
		t.Fatal("expected fresh when the recorded dependency version still matches")
	}

	libfoo.Pkgver = "2.0" // libfoo moved since app's last build
	fresh, err = p.isFresh(recipe, target)
	if err != nil {
		t.Fatalf("isFresh: %v", err)
	}
	if fresh {
		t.Error("expected not fresh once a depended-on package's version has moved")
	}
}

func TestBuildRecursesIntoUnbuiltRuntimeDepends(t *testing.T) {
	dep := &Recipe{Pkgname: "libfoo", Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"}}
	recipe := &Recipe{
		Pkgname: "app", Pkgver: "1.0", Pkgrel: 0, Arches: []string{"all"},
		Depends: []Dependency{{Name: "libfoo"}},
	}
	u := &Universe{Arch: ArchX86_64, Recipes: []*Recipe{dep, recipe}}

	makeRes, err := Resolve(u, recipe.MakeDepends, true)
	if err != nil {
		t.Fatalf("Resolve makedepends: %v", err)
	}
	runtimeRes, err := Resolve(u, recipe.Depends, false)
	if err != nil {
		t.Fatalf("Resolve depends: %v", err)
	}

	// Build itself needs chroots and a runner, so this replays its step-4
	// selection loops over the same resolutions and checks which names
	// they would hand to a recursive Build.
	var recursed []string
	built := make(map[string]bool)
	for _, name := range makeRes.Order {
		if name == recipe.Pkgname || makeRes.Chosen[name].Source != SourceAport {
			continue
		}
		recursed = append(recursed, name)
		built[name] = true
	}
	for _, name := range runtimeRes.Order {
		if name == recipe.Pkgname || built[name] || runtimeRes.Chosen[name].Source != SourceAport {
			continue
		}
		recursed = append(recursed, name)
	}

	if len(recursed) != 1 || recursed[0] != "libfoo" {
		t.Errorf("expected exactly one recursive build of libfoo, got %v", recursed)
	}
}

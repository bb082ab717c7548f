package pmbootstrap

import "testing"

func mustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func recipeAt(name, ver string, arches []string, depends ...string) *Recipe {
	pkgver, pkgrel := splitPkgverPkgrel(ver)
	r := &Recipe{Pkgname: name, Pkgver: pkgver, Pkgrel: pkgrel, Arches: arches, Options: map[string]bool{}}
	r.Depends = parseDepends(depends, false, false)
	return r
}

func TestResolveSimpleChain(t *testing.T) {
	u := &Universe{
		Arch: ArchX86_64,
		Recipes: []*Recipe{
			recipeAt("app", "1.0-r0", []string{"all"}, "libfoo>=2.0"),
			recipeAt("libfoo", "2.1-r0", []string{"all"}),
		},
	}
	res, err := Resolve(u, []Dependency{{Name: "app"}}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Chosen["libfoo"]; !ok {
		t.Fatalf("expected libfoo in resolution, got %+v", res.Chosen)
	}
	if res.Chosen["libfoo"].Version.Compare(mustVersion("2.1-r0")) != 0 {
		t.Errorf("libfoo version = %v, want 2.1-r0", res.Chosen["libfoo"].Version)
	}
}

func TestResolveMissingProvider(t *testing.T) {
	u := &Universe{
		Arch:    ArchX86_64,
		Recipes: []*Recipe{recipeAt("app", "1.0-r0", []string{"all"}, "nonexistent")},
	}
	_, err := Resolve(u, []Dependency{{Name: "app"}}, false)
	if _, ok := err.(*ErrMissingProvider); !ok {
		t.Fatalf("err = %v (%T), want *ErrMissingProvider", err, err)
	}
}

func TestResolveVersionConflict(t *testing.T) {
	u := &Universe{
		Arch: ArchX86_64,
		Recipes: []*Recipe{
			recipeAt("a", "1.0-r0", []string{"all"}, "shared>=2.0"),
			recipeAt("b", "1.0-r0", []string{"all"}, "shared<2.0"),
			recipeAt("shared", "2.5-r0", []string{"all"}),
		},
	}
	_, err := Resolve(u, []Dependency{{Name: "a"}, {Name: "b"}}, false)
	if _, ok := err.(*ErrDependencyConflict); !ok {
		t.Fatalf("err = %v (%T), want *ErrDependencyConflict", err, err)
	}
}

func TestResolveRuntimeCycleAllowed(t *testing.T) {
	u := &Universe{
		Arch: ArchX86_64,
		Recipes: []*Recipe{
			recipeAt("a", "1.0-r0", []string{"all"}, "b"),
			recipeAt("b", "1.0-r0", []string{"all"}, "a"),
		},
	}
	if _, err := Resolve(u, []Dependency{{Name: "a"}}, false); err != nil {
		t.Fatalf("runtime depends cycle should be allowed, got %v", err)
	}
}

func TestResolvePrefersAportOverIndex(t *testing.T) {
	u := &Universe{
		Arch:    ArchX86_64,
		Recipes: []*Recipe{recipeAt("libfoo", "2.0-r0", []string{"all"})},
		Indexes: []*RepoIndex{{
			byName: map[string]IndexEntry{
				"libfoo": {Pkgname: "libfoo", Pkgver: "2.0", Pkgrel: 0, Arch: ArchX86_64},
			},
			byProvides: map[string][]IndexEntry{},
		}},
	}
	res, err := Resolve(u, []Dependency{{Name: "libfoo"}}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Chosen["libfoo"].Source != SourceAport {
		t.Errorf("Source = %v, want aport", res.Chosen["libfoo"].Source)
	}
}

func TestResolveMakedependsCycleUsesBootstrapOrder(t *testing.T) {
	u := &Universe{
		Arch: ArchX86_64,
		Recipes: []*Recipe{
			{Pkgname: "gcc", Pkgver: "13.0", Arches: []string{"all"}, Options: map[string]bool{},
				MakeDepends: parseDepends([]string{"gcc-pass2"}, true, false)},
			{Pkgname: "gcc-pass2", Pkgver: "13.0", Arches: []string{"all"}, Options: map[string]bool{},
				MakeDepends: parseDepends([]string{"gcc"}, true, false)},
		},
	}
	if _, err := Resolve(u, []Dependency{{Name: "gcc"}}, true); err != nil {
		t.Fatalf("expected bootstrap ordering to break the cycle, got %v", err)
	}
}

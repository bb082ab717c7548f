package pmbootstrap

import "testing"

func TestPkgrelBumpAutoPropagatesToDependents(t *testing.T) {
	recipes := []*Recipe{
		{Pkgname: "libfoo", Pkgrel: 2},
		{Pkgname: "app", Pkgrel: 0},
		{Pkgname: "unrelated", Pkgrel: 5},
	}
	graph := map[string][]string{"libfoo": {"app"}}
	plan, err := PkgrelBumpAuto(recipes, map[string]bool{"libfoo": true}, func(name string) []string {
		return graph[name]
	})
	if err != nil {
		t.Fatalf("PkgrelBumpAuto: %v", err)
	}
	if plan.Bump["libfoo"] != 3 {
		t.Errorf("libfoo bump = %d, want 3", plan.Bump["libfoo"])
	}
	if plan.Bump["app"] != 1 {
		t.Errorf("app bump = %d, want 1", plan.Bump["app"])
	}
	if _, ok := plan.Bump["unrelated"]; ok {
		t.Error("unrelated should not be bumped")
	}
}

func TestPkgrelBumpAutoConvergesOnSelfReferencingGraph(t *testing.T) {
	recipes := []*Recipe{{Pkgname: "a", Pkgrel: 0}, {Pkgname: "b", Pkgrel: 0}}
	calls := 0
	_, err := PkgrelBumpAuto(recipes, map[string]bool{"a": true}, func(name string) []string {
		calls++
		return []string{"a"} // "a" is already in byName but gets marked bumped after first visit
	})
	if err != nil {
		t.Fatalf("expected convergence since byName is finite and bumped guards revisits, got %v", err)
	}
	if calls == 0 {
		t.Error("expected dependents to be consulted")
	}
}

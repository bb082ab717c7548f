package pmbootstrap

// MaxPkgrelBumpIterations bounds the fixed-point loop pkgrel_bump --auto
// runs before giving up (spec §9 Open Question: "implement it as a
// fixed-point iteration with a bounded iteration count").
const MaxPkgrelBumpIterations = 50

// PkgrelBumpPlan is the result of one converged pkgrel_bump --auto pass:
// which packages need their pkgrel incremented and in what order the
// heuristic settled on them.
type PkgrelBumpPlan struct {
	Bump  map[string]int // pkgname -> new pkgrel
	Order []string
}

// PkgrelBumpAuto implements the heuristic named in spec §9: start from
// the set of packages whose soname changed (sonameChanged), then
// propagate to every package that depends on an already-bumped package
// (since its runtime closure's soname set changed underneath it),
// repeating until a round adds nothing new. dependents(name) returns the
// names of recipes with a runtime depends edge on name.
//
// The source's own ordering across packages with mutual soname
// dependencies is underspecified; rather than guess at a canonical
// order, this iterates to a fixed point and errors with
// ErrPkgrelBumpNonConverging if MaxPkgrelBumpIterations is exceeded.
// Every round bumps at least one package not bumped before, so the loop
// always ends; the error is returned when propagation needs more rounds
// than the bound, i.e. a dependency chain longer than
// MaxPkgrelBumpIterations.
func PkgrelBumpAuto(recipes []*Recipe, sonameChanged map[string]bool, dependents func(name string) []string) (*PkgrelBumpPlan, error) {
	byName := make(map[string]*Recipe, len(recipes))
	for _, r := range recipes {
		byName[r.Pkgname] = r
	}

	bumped := make(map[string]bool)
	var order []string
	frontier := make([]string, 0, len(sonameChanged))
	for name := range sonameChanged {
		frontier = append(frontier, name)
	}

	for iter := 0; len(frontier) > 0; iter++ {
		if iter >= MaxPkgrelBumpIterations {
			return nil, &ErrPkgrelBumpNonConverging{Iterations: iter}
		}
		var next []string
		for _, name := range frontier {
			if bumped[name] {
				continue
			}
			if _, ok := byName[name]; !ok {
				continue
			}
			bumped[name] = true
			order = append(order, name)
			next = append(next, dependents(name)...)
		}
		frontier = dedupUnbumped(next, bumped)
	}

	plan := &PkgrelBumpPlan{Bump: make(map[string]int), Order: order}
	for _, name := range order {
		plan.Bump[name] = byName[name].Pkgrel + 1
	}
	return plan, nil
}

func dedupUnbumped(names []string, bumped map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		if bumped[n] || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

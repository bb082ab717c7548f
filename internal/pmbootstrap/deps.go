package pmbootstrap

import (
	"fmt"
	"sort"
	"strings"
)

// CandidateSource distinguishes where a resolved package comes from
// (spec §4.6): a local aports recipe that still needs building, or an
// already-built entry in a binary repository index.
type CandidateSource int

const (
	SourceAport CandidateSource = iota
	SourceIndex
)

func (s CandidateSource) String() string {
	if s == SourceAport {
		return "aport"
	}
	return "index"
}

// Candidate is one resolved package: the name the resolver settled on,
// where it came from, and its version.
type Candidate struct {
	Name    string
	Source  CandidateSource
	Version Version
	Recipe  *Recipe    // set when Source == SourceAport
	Entry   IndexEntry // set when Source == SourceIndex
}

// Universe is the set of known providers the resolver searches: every
// parsed aports recipe plus every loaded repo index, for one target
// architecture.
type Universe struct {
	Arch    Arch
	Recipes []*Recipe
	Indexes []*RepoIndex
}

// providers returns every candidate providing name, aports first (so a
// caller preferring local aports over index per spec §4.6 tie-break (3)
// finds them first). Recipes are filtered to Arch support; index entries
// are taken as they are.
func (u *Universe) providers(name string) []Candidate {
	var out []Candidate
	for _, r := range u.Recipes {
		if !r.SupportsArch(u.Arch) || !r.ProvidesName(name) {
			continue
		}
		v, err := r.Version()
		if err != nil {
			continue
		}
		out = append(out, Candidate{Name: r.Pkgname, Source: SourceAport, Version: v, Recipe: r})
	}
	for _, idx := range u.Indexes {
		for _, e := range idx.ByProvider(name) {
			v, err := e.Version()
			if err != nil {
				continue
			}
			out = append(out, Candidate{Name: e.Pkgname, Source: SourceIndex, Version: v, Entry: e})
		}
	}
	return out
}

// Resolution is the resolver's output on success: a consistent
// pkgname -> chosen candidate assignment (spec §4.6).
type Resolution struct {
	Chosen map[string]Candidate
	Order  []string // build/install order, dependency-first
}

// resolverState carries memoization and in-progress cycle detection
// across one Resolve call.
type resolverState struct {
	u          *Universe
	wantMake   bool
	chosen     map[string]Candidate
	constraint map[string][]Constraint
	visiting   map[string]bool // currently on the DFS stack, for cycle detection
	memoOK     map[string]bool // (pkgname) -> recursion already succeeded
	order      []string
	seenOrder  map[string]bool
}

// Resolve computes a consistent assignment for roots (spec §4.6): DFS
// with memoization, aports preferred over index entries at equal or
// better version, virtual/provider expansion, and makedepends-cycle
// detection that defers to the configured bootstrap ordering
// (bootstrap_order.go) before giving up with ErrBootstrapRequired.
func Resolve(u *Universe, roots []Dependency, isMakeDepends bool) (*Resolution, error) {
	st := &resolverState{
		u:          u,
		wantMake:   isMakeDepends,
		chosen:     make(map[string]Candidate),
		constraint: make(map[string][]Constraint),
		visiting:   make(map[string]bool),
		memoOK:     make(map[string]bool),
		seenOrder:  make(map[string]bool),
	}
	for _, root := range roots {
		if err := st.resolve(root.Name, Constraint{Op: root.Op, Version: root.Version}, isMakeDepends); err != nil {
			return nil, err
		}
	}
	return &Resolution{Chosen: st.chosen, Order: st.order}, nil
}

func (st *resolverState) resolve(name string, c Constraint, viaMake bool) error {
	if existing, ok := st.chosen[name]; ok {
		if !c.Satisfies(existing.Version) {
			return &ErrDependencyConflict{Pkgname: name, Chain: st.constraintChain(name, c)}
		}
		return nil
	}

	if st.visiting[name] {
		cycle := st.cycleFrom(name)
		if viaMake {
			if start := resolveBootstrapStart(cycle); start != "" {
				// the bootstrap path breaks the cycle by building `start`
				// first; the caller's planner is responsible for actually
				// scheduling it ahead of this closure.
				return nil
			}
			return &ErrBootstrapRequired{Cycle: cycle}
		}
		// runtime depends cycles are permitted (spec §4.6)
		return nil
	}

	candidates := st.u.providers(name)
	if len(candidates) == 0 {
		return &ErrMissingProvider{Name: name}
	}
	candidates = filterSatisfying(candidates, c)
	if len(candidates) == 0 {
		return &ErrMissingProvider{Name: name}
	}
	sortCandidates(candidates)

	st.visiting[name] = true
	st.constraint[name] = append(st.constraint[name], c)

	var lastErr error
	for _, cand := range candidates {
		deps := candidateDepends(cand, viaMake)
		ok := true
		for _, d := range deps {
			if err := st.resolve(d.Name, Constraint{Op: d.Op, Version: d.Version}, viaMake && cand.Source == SourceAport); err != nil {
				lastErr = err
				ok = false
				break
			}
		}
		if ok {
			st.chosen[name] = cand
			delete(st.visiting, name)
			if !st.seenOrder[name] {
				st.order = append(st.order, name)
				st.seenOrder[name] = true
			}
			return nil
		}
	}
	delete(st.visiting, name)
	if lastErr != nil {
		return lastErr
	}
	return &ErrMissingProvider{Name: name}
}

func (st *resolverState) constraintChain(name string, latest Constraint) []string {
	chain := make([]string, 0, len(st.constraint[name])+1)
	for _, c := range st.constraint[name] {
		chain = append(chain, name+string(c.Op)+c.Version.String())
	}
	chain = append(chain, name+string(latest.Op)+latest.Version.String())
	return chain
}

func (st *resolverState) cycleFrom(name string) []string {
	var names []string
	for n := range st.visiting {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// candidateDepends returns the set of edges to recurse on: makedepends
// when resolving a makedepends root through an aport (build-time closure
// transitively pulls in its own makedepends), otherwise runtime depends.
func candidateDepends(c Candidate, viaMake bool) []Dependency {
	if c.Source == SourceIndex {
		return c.Entry.Depends
	}
	if viaMake {
		return append(append([]Dependency{}, c.Recipe.MakeDepends...), c.Recipe.Depends...)
	}
	return c.Recipe.Depends
}

func filterSatisfying(cands []Candidate, c Constraint) []Candidate {
	var out []Candidate
	for _, cand := range cands {
		if c.Satisfies(cand.Version) {
			out = append(out, cand)
		}
	}
	return out
}

// sortCandidates orders candidates by (1) higher full version, compared
// with Version.Compare, pkgrel included: at equal pkgver the higher
// pkgrel comes first, and a lower pkgrel is never preferred; then
// (2) aport over index; then (3) alphabetical pkgname.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if c := a.Version.Compare(b.Version); c != 0 {
			return c > 0
		}
		if a.Source != b.Source {
			return a.Source == SourceAport
		}
		return a.Name < b.Name
	})
}

// String renders a Resolution for diagnostics (used by `status`/verbose
// build logging).
func (r *Resolution) String() string {
	var b strings.Builder
	for _, name := range r.Order {
		c := r.Chosen[name]
		fmt.Fprintf(&b, "%s=%s (%s)\n", name, c.Version, c.Source)
	}
	return b.String()
}

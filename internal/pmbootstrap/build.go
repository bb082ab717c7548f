package pmbootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuildTarget names what the planner should produce (spec §4.5's
// preamble: "a target (pkgname, arch, optional source override)").
type BuildTarget struct {
	Pkgname     string
	Arch        Arch
	SrcOverride string // non-empty means --src was passed
	Force       bool
	NoDepends   bool // --no-depends: build only Pkgname itself, no recursive sub-builds
}

// Planner drives the ten-step build algorithm (spec §4.5). It owns no
// state across calls except which chroots are known contaminated from a
// prior failed build in this process.
type Planner struct {
	Universe *Universe
	Chroots  *ChrootManager
	Runner   *Runner
	WorkDir  *WorkDir
	Cfg      *Config

	contaminated map[ChrootID]bool
}

// NewPlanner builds a Planner over the given components.
func NewPlanner(u *Universe, chroots *ChrootManager, runner *Runner, wd *WorkDir, cfg *Config) *Planner {
	return &Planner{Universe: u, Chroots: chroots, Runner: runner, WorkDir: wd, Cfg: cfg, contaminated: make(map[ChrootID]bool)}
}

// Build executes spec §4.5's ten steps for target, returning nil if the
// package was already built and up to date (step 3) or was built
// successfully (steps 4-9).
func (p *Planner) Build(ctx context.Context, target BuildTarget) error {
	// 1. Recipe lookup.
	recipe, err := p.findRecipe(target.Pkgname)
	if err != nil {
		return err
	}

	// 2. Arch validation.
	if !recipe.SupportsArch(target.Arch) && !target.Force {
		return &ErrUnsupportedArch{Pkgname: recipe.Pkgname, Arch: target.Arch}
	}

	// 3. Freshness check.
	if !target.Force {
		fresh, err := p.isFresh(recipe, target)
		if err != nil {
			return err
		}
		if fresh {
			step("%s-%s is already built for %s, skipping", recipe.Pkgname, versionString(recipe), target.Arch)
			return nil
		}
	}

	// 4. Dependency closure.
	makeRes, err := Resolve(p.Universe, recipe.MakeDepends, true)
	if err != nil {
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "dependency-closure", Cause: err}
	}
	runtimeRes, err := Resolve(p.Universe, recipe.Depends, false)
	if err != nil {
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "dependency-closure", Cause: err}
	}
	if !target.NoDepends {
		built := make(map[string]bool)
		for _, name := range makeRes.Order {
			if name == recipe.Pkgname || makeRes.Chosen[name].Source != SourceAport {
				continue
			}
			if err := p.Build(ctx, BuildTarget{Pkgname: name, Arch: target.Arch}); err != nil {
				return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "dependency-closure", Cause: err}
			}
			built[name] = true
		}
		// runtime depends with no acceptable binary anywhere must also be
		// built so the final package set can satisfy them, even though
		// they aren't installed into this package's own build chroot the
		// way makedepends are (spec §4.5 step 4: "any closure members
		// that must themselves be rebuilt").
		for _, name := range runtimeRes.Order {
			if name == recipe.Pkgname || built[name] || runtimeRes.Chosen[name].Source != SourceAport {
				continue
			}
			if err := p.Build(ctx, BuildTarget{Pkgname: name, Arch: target.Arch}); err != nil {
				return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "dependency-closure", Cause: err}
			}
		}
	}

	// 5. Strategy selection.
	crossAvailable := crossToolchainAvailable(p.Universe, target.Arch)
	strategy := SelectStrategy(recipe, target.Arch, crossAvailable, true)

	// 6. Chroot preparation.
	id := buildChrootID(target.Arch, strategy)
	if p.contaminated[id] {
		// Zap refuses while mounts are live; release every acquisition
		// this process still holds on the contaminated chroot first.
		for p.Chroots.mounts.IsMounted(id) {
			if err := p.Chroots.Unmount(id); err != nil {
				return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "chroot-preparation", Cause: err}
			}
		}
		if err := p.Chroots.Zap(id); err != nil {
			return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "chroot-preparation", Cause: err}
		}
		delete(p.contaminated, id)
	}
	if err := p.Chroots.EnsureReady(ctx, id, p.Cfg); err != nil {
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "chroot-preparation", Cause: err}
	}
	if err := p.Chroots.Mount(id); err != nil {
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "chroot-preparation", Cause: err}
	}
	if err := p.installClosure(ctx, id, makeRes); err != nil {
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "chroot-preparation", Cause: err}
	}

	// 7. Source staging.
	if err := p.stageSources(recipe, target); err != nil {
		p.contaminated[id] = true
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "source-staging", Cause: err}
	}

	// 8. Build invocation.
	if err := p.invokeBuild(ctx, id, recipe, target.Arch, strategy); err != nil {
		p.contaminated[id] = true
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "build-invocation", Cause: err}
	}

	// 9. Commit.
	if err := p.commit(recipe, target.Arch, id, runtimeRes); err != nil {
		p.contaminated[id] = true
		return &ErrBuildFailed{Pkgname: recipe.Pkgname, Step: "commit", Cause: err}
	}

	return nil
}

func versionString(r *Recipe) string {
	v, err := r.Version()
	if err != nil {
		return r.Pkgver
	}
	return v.String()
}

func (p *Planner) findRecipe(pkgname string) (*Recipe, error) {
	for _, r := range p.Universe.Recipes {
		if r.ProvidesName(pkgname) {
			return r, nil
		}
	}
	return nil, &ErrNoSuchAport{Pkgname: pkgname}
}

// isFresh implements step 3: fingerprint the recipe/sources, then check
// packages/<arch> for a built APK of matching version whose transitive
// depends are all satisfied by what's already there.
func (p *Planner) isFresh(recipe *Recipe, target BuildTarget) (bool, error) {
	fingerprint, err := p.fingerprint(recipe, target)
	if err != nil {
		return false, err
	}
	meta := filepath.Join(p.WorkDir.PackagesDir(target.Arch), recipe.Pkgname+".fingerprint")
	data, err := os.ReadFile(meta)
	if err != nil {
		return false, nil
	}
	if string(data) != fingerprint {
		return false, nil
	}
	return p.dependsSatisfied(recipe, target)
}

// dependsSatisfied is the second half of step 3: a built APK whose own
// fingerprint still matches is only fresh if every transitive runtime
// dependency it was last built against still resolves to that same
// candidate version. A dependency that has since moved to a different
// version (even one that still nominally satisfies the recipe's version
// constraint) invalidates the build, since the APK on disk was linked
// and tested against the older one and pkgrel_bump's soname propagation
// assumes exactly this invalidation. Recipes with no recorded snapshot
// (e.g. built before this check existed) are treated as stale once, so
// the snapshot gets written on the next build.
func (p *Planner) dependsSatisfied(recipe *Recipe, target BuildTarget) (bool, error) {
	if len(recipe.Depends) == 0 {
		return true, nil
	}
	res, err := Resolve(p.Universe, recipe.Depends, false)
	if err != nil {
		return false, nil
	}
	recorded, err := readDepVersions(p.WorkDir.PackagesDir(target.Arch), recipe.Pkgname)
	if err != nil {
		return false, nil
	}
	for name, cand := range res.Chosen {
		if recorded[name] != cand.Version.String() {
			return false, nil
		}
	}
	return true, nil
}

// depVersionsPath names the sidecar file recording, for pkgname's last
// successful build, the exact version every resolved runtime dependency
// was at (dependsSatisfied's comparison baseline).
func depVersionsPath(packagesDir, pkgname string) string {
	return filepath.Join(packagesDir, pkgname+".depversions")
}

func writeDepVersions(packagesDir, pkgname string, res *Resolution) error {
	names := make([]string, 0, len(res.Chosen))
	for name := range res.Chosen {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s\n", name, res.Chosen[name].Version.String())
	}
	return os.WriteFile(depVersionsPath(packagesDir, pkgname), []byte(b.String()), 0o644)
}

func readDepVersions(packagesDir, pkgname string) (map[string]string, error) {
	data, err := os.ReadFile(depVersionsPath(packagesDir, pkgname))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		name, version, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[name] = version
	}
	return out, nil
}

func (p *Planner) fingerprint(recipe *Recipe, target BuildTarget) (string, error) {
	v, err := recipe.Version()
	if err != nil {
		return "", err
	}
	s := v.String()
	if target.SrcOverride != "" {
		dirHash, err := hashDirTree(target.SrcOverride)
		if err != nil {
			return "", err
		}
		s += "|src=" + dirHash
	}
	for _, src := range recipe.Sources {
		s += "|" + src.URL + "=" + src.Sha512
	}
	return Blake3Fingerprint(s), nil
}

// hashDirTree fingerprints a --src override tree by walking file paths
// and modification times rather than full content, matching the
// teacher's cheap incremental-rebuild heuristic for locally staged
// sources.
func hashDirTree(dir string) (string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(names)
	s := ""
	for _, n := range names {
		info, err := os.Stat(n)
		if err != nil {
			continue
		}
		s += fmt.Sprintf("%s:%d:%d|", n, info.Size(), info.ModTime().Unix())
	}
	return Blake3Fingerprint(s), nil
}

func crossToolchainAvailable(u *Universe, target Arch) bool {
	for _, name := range crossAportNames(target) {
		found := false
		for _, r := range u.Recipes {
			if r.ProvidesName(name) {
				found = true
				break
			}
		}
		for _, idx := range u.Indexes {
			if _, ok := idx.ByName(name); ok {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// buildChrootID picks the chroot identity the given strategy builds in:
// cross-direct and distcc+qemu run in the native chroot; native and
// qemu-only run in the target arch's buildroot chroot.
func buildChrootID(target Arch, s BuildStrategy) ChrootID {
	if s == StrategyQemuOnly {
		return ChrootID{Kind: ChrootBuildroot, Arch: target}
	}
	if s == StrategyNative {
		return ChrootID{Kind: ChrootBuildroot, Arch: target}
	}
	return ChrootID{Kind: ChrootNative, Arch: NativeArch()}
}

// installClosure ensures every chosen makedepends candidate is installed
// in id's chroot, an incremental diff per spec §4.5 step 6 ("unrelated
// packages are not removed").
func (p *Planner) installClosure(ctx context.Context, id ChrootID, res *Resolution) error {
	if len(res.Order) == 0 {
		return nil
	}
	argv := append([]string{"apk", "add"}, res.Order...)
	_, err := p.Runner.Run(ctx, RunOptions{
		Argv:    argv,
		Context: ExecContext{Kind: ContextChroot, ChrootID: id},
		Output:  OutputStreamToLog,
		Check:   true,
		AsRoot:  true,
	})
	return err
}

// stageSources implements step 7. For a --src override it creates a
// symlink home/pmos/src/<pkgname> in the target arch's buildroot chroot
// that points at the override's host path; no bind mount is made and
// the recipe is not changed, so the link resolves inside the chroot only
// where that same path exists there. Without an override it does
// nothing and abuild's own source fetch runs (it downloads and verifies
// against the recipe's recorded sha512sums itself).
func (p *Planner) stageSources(recipe *Recipe, target BuildTarget) error {
	if target.SrcOverride == "" {
		return nil
	}
	dest := filepath.Join(p.Chroots.wd.ChrootDir(buildChrootID(target.Arch, StrategyNative)), "home", "pmos", "src", recipe.Pkgname)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	os.Remove(dest)
	return os.Symlink(target.SrcOverride, dest)
}

// invokeBuild runs abuild inside the chroot as the unprivileged pmos
// user, under the chosen strategy's environment overlay (spec §4.5 step
// 8).
func (p *Planner) invokeBuild(ctx context.Context, id ChrootID, recipe *Recipe, target Arch, strategy BuildStrategy) error {
	env := envForStrategy(strategy, target)
	if strategy == StrategyDistccQemu {
		env = distccEnv(target)
	}
	_, err := p.Runner.Run(ctx, RunOptions{
		Argv:    []string{"abuild", "-r"},
		Context: ExecContext{Kind: ContextUserInChroot, ChrootID: id, User: "pmos"},
		Env:     env,
		Output:  OutputStreamToLog,
		Check:   true,
		AsRoot:  true,
	})
	return err
}

// commit implements step 9: atomically move produced APKs into
// packages/<arch>, record the fingerprint and the runtime-dependency
// version snapshot dependsSatisfied later checks against, and rebuild
// that arch's signed APKINDEX.
func (p *Planner) commit(recipe *Recipe, arch Arch, id ChrootID, runtimeRes *Resolution) error {
	packagesDir := p.WorkDir.PackagesDir(arch)
	if err := os.MkdirAll(packagesDir, 0o755); err != nil {
		return err
	}

	built := filepath.Join(p.Chroots.wd.ChrootDir(id), "home", "pmos", "packages", recipe.Pkgname)
	entries, err := os.ReadDir(built)
	if err != nil {
		return fmt.Errorf("reading built output %s: %w", built, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".apk" {
			continue
		}
		if err := os.Rename(filepath.Join(built, e.Name()), filepath.Join(packagesDir, e.Name())); err != nil {
			return err
		}
	}

	fingerprint, err := p.fingerprint(recipe, BuildTarget{Arch: arch})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(packagesDir, recipe.Pkgname+".fingerprint"), []byte(fingerprint), 0o644); err != nil {
		return err
	}
	if err := writeDepVersions(packagesDir, recipe.Pkgname, runtimeRes); err != nil {
		return err
	}

	return RebuildLocalIndex(packagesDir, arch, p.WorkDir.Root)
}

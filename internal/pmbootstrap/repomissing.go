package pmbootstrap

// MissingAport names an aport with no matching built binary in the local
// repository, the result of the `repo_missing` verb (spec §6 command
// table).
type MissingAport struct {
	Pkgname string
	Pkgver  string
	Pkgrel  int
}

// RepoMissing scans recipes for the given arch and reports every one
// that idx does not hold at the same or a newer version — a single
// pass over both sides rather than a full dependency resolution, so it
// stays usable on the constrained-evaluator fast path spec §9 names
// ("a fast path for read-only metadata ... that avoids spinning up a
// chroot for repo_missing scans").
func RepoMissing(recipes []*Recipe, arch Arch, idx *RepoIndex) []MissingAport {
	var out []MissingAport
	for _, r := range recipes {
		if !r.SupportsArch(arch) {
			continue
		}
		v, err := r.Version()
		if err != nil {
			continue
		}
		if idx != nil {
			if entry, ok := idx.ByName(r.Pkgname); ok {
				if ev, err := entry.Version(); err == nil && ev.Compare(v) >= 0 {
					continue
				}
			}
		}
		out = append(out, MissingAport{Pkgname: r.Pkgname, Pkgver: r.Pkgver, Pkgrel: r.Pkgrel})
	}
	return out
}

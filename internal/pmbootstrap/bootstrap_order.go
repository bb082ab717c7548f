package pmbootstrap

// bootstrapOrder is the configured ordering the planner consults when the
// resolver reports a makedepends cycle (spec §4.6): building cycleMember
// first satisfies the rest of the cycle's makedepends without requiring
// them simultaneously. Grounded on Alpine's well-known gcc-pass2 -> gcc
// bootstrap path named directly in spec §4.6.
var bootstrapOrder = map[string]string{
	"gcc":        "gcc-pass2",
	"binutils":   "binutils-pass2",
	"musl":       "musl-bootstrap",
	"libgcc":     "gcc-pass1",
}

// resolveBootstrapStart returns the package that should be built first to
// break a makedepends cycle containing any of names, or "" if no
// configured ordering covers it (in which case the caller surfaces
// ErrBootstrapRequired to the user).
func resolveBootstrapStart(cycle []string) string {
	for _, name := range cycle {
		if start, ok := bootstrapOrder[name]; ok {
			return start
		}
	}
	return ""
}

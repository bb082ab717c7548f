package pmbootstrap

import (
	"strconv"
	"strings"
)

// Version is a parsed Alpine-style package version: pkgver-rN, where
// pkgver is a dotted sequence of numeric/alphabetic components with an
// optional ordered suffix (alpha/beta/pre/rc/.../cvs/svn/git/hg/p).
//
// Comparison follows spec §4.1: component-wise, numeric compared as
// integers, alphabetic lexicographically, suffix compared by position in
// suffixOrder then by its numeric tail, and a bare trailing letter sorts
// above the bare version but below the next numeric component.
type Version struct {
	raw      string
	segments []verSegment
	suffix   *verSuffix // nil if no suffix present
	letter   byte       // trailing single letter post-release, 0 if none
	rel      int        // -rN release bump, 0 if absent
}

type verSegment struct {
	isNumeric bool
	num       int64
	str       string
}

type verSuffix struct {
	kind string // one of suffixOrder
	num  int64
}

// suffixOrder is the ascending order suffixes compare in; release (no
// suffix) sits between "rc" and "cvs" and is represented by kind == "".
var suffixOrder = []string{"alpha", "beta", "pre", "rc", "", "cvs", "svn", "git", "hg", "p"}

func suffixRank(kind string) int {
	for i, k := range suffixOrder {
		if k == kind {
			return i
		}
	}
	return -1
}

// ParseVersion parses an Alpine-style version string, returning
// ErrVersionMalformed for syntactically invalid input rather than
// silently ordering it (spec §4.1, §8 boundary behaviors).
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, &ErrVersionMalformed{Input: s}
	}
	v := Version{raw: s}

	rest := s
	// Split off -rN release bump (rightmost, since pkgver itself may
	// legitimately contain hyphens in exotic cases we don't support).
	if idx := strings.LastIndex(rest, "-r"); idx >= 0 {
		relPart := rest[idx+2:]
		if n, err := strconv.Atoi(relPart); err == nil && relPart != "" {
			v.rel = n
			rest = rest[:idx]
		}
	}

	// Split off a suffix of the form _alpha3, _beta, _git20220101, etc.
	if idx := strings.IndexByte(rest, '_'); idx >= 0 {
		suffixPart := rest[idx+1:]
		kind, num, err := parseSuffix(suffixPart)
		if err != nil {
			return Version{}, err
		}
		v.suffix = &verSuffix{kind: kind, num: num}
		rest = rest[:idx]
	}

	if rest == "" {
		return Version{}, &ErrVersionMalformed{Input: s}
	}

	// A single trailing letter (not part of a numeric component) marks a
	// post-release addition, e.g. "1.2.3a".
	if n := len(rest); n > 0 {
		last := rest[n-1]
		if last >= 'a' && last <= 'z' {
			// only treat as trailing letter if the char before it is a digit
			if n >= 2 && isDigit(rest[n-2]) {
				v.letter = last
				rest = rest[:n-1]
			}
		}
	}

	segs, err := parseSegments(rest)
	if err != nil {
		return Version{}, err
	}
	v.segments = segs
	return v, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func parseSuffix(s string) (string, int64, error) {
	for _, kind := range suffixOrder {
		if kind == "" {
			continue
		}
		if strings.HasPrefix(s, kind) {
			numPart := s[len(kind):]
			if numPart == "" {
				return kind, 0, nil
			}
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return "", 0, &ErrVersionMalformed{Input: s}
			}
			return kind, n, nil
		}
	}
	return "", 0, &ErrVersionMalformed{Input: s}
}

func parseSegments(s string) ([]verSegment, error) {
	var segs []verSegment
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ErrVersionMalformed{Input: s}
		}
		// reject components like "" from "1..2" (caught above) and any
		// component containing characters outside [0-9a-zA-Z]
		for i := 0; i < len(p); i++ {
			c := p[i]
			if !(isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
				return nil, &ErrVersionMalformed{Input: s}
			}
		}
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			segs = append(segs, verSegment{isNumeric: true, num: n})
		} else {
			segs = append(segs, verSegment{isNumeric: false, str: p})
		}
	}
	if strings.HasSuffix(s, ".") || strings.HasPrefix(s, ".") {
		return nil, &ErrVersionMalformed{Input: s}
	}
	return segs, nil
}

// Compare returns -1, 0, or 1 per the usual comparator convention. It is a
// total order: Compare(a,b) == -Compare(b,a) for all successfully parsed
// a, b (spec §8 universal invariant).
func (v Version) Compare(o Version) int {
	n := len(v.segments)
	if len(o.segments) > n {
		n = len(o.segments)
	}
	for i := 0; i < n; i++ {
		var a, b verSegment
		hasA, hasB := i < len(v.segments), i < len(o.segments)
		if hasA {
			a = v.segments[i]
		}
		if hasB {
			b = o.segments[i]
		}
		if !hasA && hasB {
			return -1
		}
		if hasA && !hasB {
			return 1
		}
		if c := compareSegment(a, b); c != 0 {
			return c
		}
	}

	// trailing letter: "1.2.3a" sorts above "1.2.3" but below "1.2.4"
	// (already resolved by the segment loop if lengths differ numerically);
	// when segments are equal, letter breaks the tie.
	if v.letter != o.letter {
		if v.letter == 0 {
			return -1
		}
		if o.letter == 0 {
			return 1
		}
		if v.letter < o.letter {
			return -1
		}
		return 1
	}

	if c := compareSuffix(v.suffix, o.suffix); c != 0 {
		return c
	}

	if v.rel != o.rel {
		if v.rel < o.rel {
			return -1
		}
		return 1
	}
	return 0
}

func compareSegment(a, b verSegment) int {
	if a.isNumeric && b.isNumeric {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}
	if a.isNumeric != b.isNumeric {
		// A numeric component outranks a non-numeric one at the same
		// position (mixed components don't occur in well-formed Alpine
		// versions; this keeps Compare total regardless).
		if a.isNumeric {
			return 1
		}
		return -1
	}
	return strings.Compare(a.str, b.str)
}

func compareSuffix(a, b *verSuffix) int {
	ra := suffixRank("")
	rb := suffixRank("")
	if a != nil {
		ra = suffixRank(a.kind)
	}
	if b != nil {
		rb = suffixRank(b.kind)
	}
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	var na, nb int64
	if a != nil {
		na = a.num
	}
	if b != nil {
		nb = b.num
	}
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}

// String returns the original version string unchanged, as it was parsed.
func (v Version) String() string { return v.raw }

// Same reports whether v and o share the same "major" prefix, for the `~`
// constraint operator. Two versions are "same" if their first segment
// (the leading numeric/alphabetic component) is equal.
func (v Version) Same(o Version) bool {
	if len(v.segments) == 0 || len(o.segments) == 0 {
		return len(v.segments) == len(o.segments)
	}
	return compareSegment(v.segments[0], o.segments[0]) == 0
}

// ConstraintOp is one of the operators a dependency edge may carry.
type ConstraintOp string

const (
	OpAny   ConstraintOp = ""
	OpEQ    ConstraintOp = "="
	OpLT    ConstraintOp = "<"
	OpLE    ConstraintOp = "<="
	OpGT    ConstraintOp = ">"
	OpGE    ConstraintOp = ">="
	OpSame  ConstraintOp = "~"
	OpFuzzy ConstraintOp = "><" // "fuzzy not-equal", treated as inequality per spec §4.1
)

// Constraint is a requirement on a candidate's version.
type Constraint struct {
	Op      ConstraintOp
	Version Version
}

// Satisfies reports whether candidate satisfies the constraint.
func (c Constraint) Satisfies(candidate Version) bool {
	switch c.Op {
	case OpAny:
		return true
	case OpEQ:
		return candidate.Compare(c.Version) == 0
	case OpLT:
		return candidate.Compare(c.Version) < 0
	case OpLE:
		return candidate.Compare(c.Version) <= 0
	case OpGT:
		return candidate.Compare(c.Version) > 0
	case OpGE:
		return candidate.Compare(c.Version) >= 0
	case OpSame:
		return candidate.Same(c.Version)
	case OpFuzzy:
		return candidate.Compare(c.Version) != 0
	default:
		return false
	}
}

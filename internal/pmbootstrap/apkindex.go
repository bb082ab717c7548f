package pmbootstrap

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// IndexEntry is one APKINDEX record (spec §3 "Package index entry", §4.7).
type IndexEntry struct {
	Pkgname  string
	Pkgver   string
	Pkgrel   int
	Arch     Arch
	Provides []string
	Depends  []Dependency
	Origin   string
	Size     int64
	Checksum string
	BuildTime int64
}

// Version returns the entry's full pkgver-pkgrel.
func (e IndexEntry) Version() (Version, error) {
	return ParseVersion(fmt.Sprintf("%s-r%d", e.Pkgver, e.Pkgrel))
}

// ProvidesName mirrors Recipe.ProvidesName for index entries.
func (e IndexEntry) ProvidesName(name string) bool {
	if e.Pkgname == name {
		return true
	}
	for _, p := range e.Provides {
		base, _, _ := strings.Cut(p, "=")
		if base == name {
			return true
		}
	}
	return false
}

// These constants are the single-letter APKINDEX keys spec §4.7 names.
// Unknown keys are tolerated (future-compat) per §4.7 and
// §8 boundary behavior.
const (
	keyPkgname  = 'P'
	keyVersion  = 'V'
	keyArch     = 'A'
	keyDepends  = 'D'
	keyProvides = 'p'
	keyOrigin   = 'o'
	keyChecksum = 'C'
	keySize     = 'S'
	keyBuildTime = 't'
)

// IndexRecordIterator is a lazy, single-pass, non-restartable sequence of
// APKINDEX records (spec §9 "generators/lazy iteration" — large indexes,
// ~100k entries, should not require full materialization). Callers that
// need to restart must re-open the archive.
type IndexRecordIterator struct {
	sc  *bufio.Scanner
	err error
}

// Next advances the iterator and returns the next record, or ok=false at
// EOF (after which it.Err() reports any parse failure).
func (it *IndexRecordIterator) Next() (entry IndexEntry, ok bool) {
	if it.err != nil {
		return IndexEntry{}, false
	}
	lines := map[byte]string{}
	haveAny := false
	for it.sc.Scan() {
		line := it.sc.Text()
		if line == "" {
			if haveAny {
				break
			}
			continue
		}
		haveAny = true
		if len(line) < 2 || line[1] != ':' {
			continue // tolerate malformed/unknown lines rather than fail the whole scan
		}
		lines[line[0]] = line[2:]
	}
	if err := it.sc.Err(); err != nil {
		it.err = err
		return IndexEntry{}, false
	}
	if !haveAny {
		return IndexEntry{}, false
	}

	entry, err := recordFromLines(lines)
	if err != nil {
		it.err = err
		return IndexEntry{}, false
	}
	return entry, true
}

// Err returns any error encountered during iteration.
func (it *IndexRecordIterator) Err() error { return it.err }

func recordFromLines(lines map[byte]string) (IndexEntry, error) {
	pkgname, ok := lines[keyPkgname]
	if !ok {
		return IndexEntry{}, &ErrIndexCorrupt{Msg: "record missing P: (pkgname)"}
	}
	verField, ok := lines[keyVersion]
	if !ok {
		return IndexEntry{}, &ErrIndexCorrupt{Msg: "record missing V: (version)"}
	}

	e := IndexEntry{
		Pkgname: pkgname,
		Arch:    Arch(lines[keyArch]),
		Origin:  lines[keyOrigin],
		Checksum: lines[keyChecksum],
	}
	if s, ok := lines[keySize]; ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.Size = n
		}
	}
	if s, ok := lines[keyBuildTime]; ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.BuildTime = n
		}
	}

	pkgver, pkgrel := splitPkgverPkgrel(verField)
	e.Pkgver = pkgver
	e.Pkgrel = pkgrel

	e.Provides = strings.Fields(lines[keyProvides])
	e.Depends = parseDepends(strings.Fields(lines[keyDepends]), false, false)

	return e, nil
}

// splitPkgverPkgrel splits an APKINDEX V: field of the form "1.2.3-r4"
// into its pkgver and pkgrel parts.
func splitPkgverPkgrel(v string) (pkgver string, pkgrel int) {
	idx := strings.LastIndex(v, "-r")
	if idx < 0 {
		return v, 0
	}
	relPart := v[idx+2:]
	if n, err := strconv.Atoi(relPart); err == nil {
		return v[:idx], n
	}
	return v, 0
}

// RepoIndex is a fully materialized APKINDEX: the lazy iterator's output
// folded into name/provider lookup maps (spec §4.7 "exposes a lookup by
// pkgname and by provider").
type RepoIndex struct {
	Arch    Arch
	byName  map[string]IndexEntry
	byProvides map[string][]IndexEntry
	all     []IndexEntry
}

// ByName looks up an entry by exact pkgname.
func (ri *RepoIndex) ByName(name string) (IndexEntry, bool) {
	e, ok := ri.byName[name]
	return e, ok
}

// ByProvider returns every entry whose `provides` (or pkgname) satisfies
// name.
func (ri *RepoIndex) ByProvider(name string) []IndexEntry {
	var out []IndexEntry
	if e, ok := ri.byName[name]; ok {
		out = append(out, e)
	}
	out = append(out, ri.byProvides[name]...)
	return out
}

// All returns every entry (already materialized).
func (ri *RepoIndex) All() []IndexEntry { return ri.all }

// ParseAPKINDEXArchive reads a signed APKINDEX.tar.gz archive (spec
// §4.7): exactly one `.SIGN.RSA.<keyname>` signature member plus one
// `APKINDEX` text member. Decompression goes through klauspost/pgzip so
// very large archives (~100k entries) decode with parallel gzip blocks
// rather than blocking single-threaded (spec §9).
func ParseAPKINDEXArchive(r io.Reader, arch Arch) (*RepoIndex, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening APKINDEX.tar.gz: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var indexReader io.Reader
	sigCount := 0
	haveIndex := false

	// The archive must be fully scanned to enforce "exactly one signature
	// member", so buffer the APKINDEX member's bytes while scanning.
	var indexBuf strings.Builder
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading APKINDEX.tar.gz: %w", err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		switch {
		case name == "APKINDEX":
			haveIndex = true
			if _, err := io.Copy(&indexBuf, tr); err != nil {
				return nil, err
			}
		case strings.HasPrefix(name, ".SIGN.RSA."):
			sigCount++
		}
	}
	if !haveIndex {
		return nil, &ErrIndexCorrupt{Msg: "archive missing APKINDEX member"}
	}
	if sigCount != 1 {
		return nil, &ErrIndexCorrupt{Msg: fmt.Sprintf("expected exactly one .SIGN.RSA.* member, found %d", sigCount)}
	}
	indexReader = strings.NewReader(indexBuf.String())

	ri := &RepoIndex{
		Arch:       arch,
		byName:     make(map[string]IndexEntry),
		byProvides: make(map[string][]IndexEntry),
	}
	it := &IndexRecordIterator{sc: bufio.NewScanner(indexReader)}
	it.sc.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		ri.byName[e.Pkgname] = e
		for _, p := range e.Provides {
			base, _, _ := strings.Cut(p, "=")
			ri.byProvides[base] = append(ri.byProvides[base], e)
		}
		ri.all = append(ri.all, e)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return ri, nil
}

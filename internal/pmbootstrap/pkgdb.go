package pmbootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// recipeBucket holds cached, fully parsed APKBUILD records keyed by
// "<path>@<mtime-unix-nanos>", so a full aports tree scan (repo_missing,
// pkgrel_bump --auto) doesn't reparse every recipe it already saw on a
// prior run (spec §9: scans over the whole aports tree should behave
// like lazy iteration over ~100k entries, not repeated full work).
var recipeBucket = []byte("recipes")

// PkgDB wraps a single bbolt file under the work dir. Opening it is
// optional: every caller falls back to parsing from disk on a cache
// miss or when db is nil, so a corrupt or absent cache file never blocks
// a scan.
type PkgDB struct {
	db *bolt.DB
}

// OpenPkgDB opens (creating if absent) the memoization database at
// <workdir>/pkgdb.bolt.
func OpenPkgDB(path string) (*PkgDB, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening pkgdb %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recipeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PkgDB{db: db}, nil
}

// Close releases the underlying bolt file.
func (p *PkgDB) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

type cachedRecipe struct {
	Pkgname      string
	Pkgver       string
	Pkgrel       int
	Arches       []string
	Depends      []Dependency
	MakeDepends  []Dependency
	CheckDepends []Dependency
	Subpackages  []Subpackage
	Provides     []string
	Sources      []SourceFile
	Options      map[string]bool
}

func recipeKey(dir string, mtime int64) []byte {
	return []byte(fmt.Sprintf("%s@%d", dir, mtime))
}

// LookupRecipe returns a cached parse of dir/APKBUILD if present for the
// file's current mtime, avoiding a reparse.
func (p *PkgDB) LookupRecipe(dir string) (*Recipe, bool) {
	if p == nil || p.db == nil {
		return nil, false
	}
	info, err := os.Stat(dir + "/APKBUILD")
	if err != nil {
		return nil, false
	}
	var cr cachedRecipe
	found := false
	_ = p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recipeBucket)
		data := b.Get(recipeKey(dir, info.ModTime().UnixNano()))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &cr); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return nil, false
	}
	return &Recipe{
		Dir: dir, Origin: dir,
		Pkgname: cr.Pkgname, Pkgver: cr.Pkgver, Pkgrel: cr.Pkgrel,
		Arches: cr.Arches, Depends: cr.Depends, MakeDepends: cr.MakeDepends,
		CheckDepends: cr.CheckDepends, Subpackages: cr.Subpackages,
		Provides: cr.Provides, Sources: cr.Sources, Options: cr.Options,
	}, true
}

// StoreRecipe caches r under dir's current mtime, superseding any entry
// keyed to a stale mtime (those are simply never looked up again; they
// stay in pkgdb.bolt, since pmbootstrap neither deletes them nor runs a
// GC over the file, and aports trees don't churn fast enough to matter).
func (p *PkgDB) StoreRecipe(dir string, r *Recipe) error {
	if p == nil || p.db == nil {
		return nil
	}
	info, err := os.Stat(dir + "/APKBUILD")
	if err != nil {
		return err
	}
	cr := cachedRecipe{
		Pkgname: r.Pkgname, Pkgver: r.Pkgver, Pkgrel: r.Pkgrel, Arches: r.Arches,
		Depends: r.Depends, MakeDepends: r.MakeDepends, CheckDepends: r.CheckDepends,
		Subpackages: r.Subpackages, Provides: r.Provides, Sources: r.Sources, Options: r.Options,
	}
	data, err := json.Marshal(cr)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recipeBucket).Put(recipeKey(dir, info.ModTime().UnixNano()), data)
	})
}

// ParseAPKBUILDCached parses dir/APKBUILD through db's memoization layer
// when db is non-nil, falling straight through to ParseAPKBUILD
// otherwise.
func ParseAPKBUILDCached(db *PkgDB, dir string, targetArch Arch) (*Recipe, error) {
	if r, ok := db.LookupRecipe(dir); ok {
		return r, nil
	}
	r, err := ParseAPKBUILD(dir, targetArch)
	if err != nil {
		return nil, err
	}
	_ = db.StoreRecipe(dir, r)
	return r, nil
}

package pmbootstrap

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestWorkDirLockExclusive(t *testing.T) {
	root := t.TempDir()
	w1 := OpenWorkDir(root, "")
	if err := w1.Lock(false); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer w1.Unlock()

	w2 := OpenWorkDir(root, "")
	err := w2.Lock(false)
	if err == nil {
		t.Fatal("second non-blocking Lock should fail while first holds it")
	}
	if _, ok := err.(*ErrWorkdirLocked); !ok {
		t.Fatalf("expected *ErrWorkdirLocked, got %T: %v", err, err)
	}
}

func TestWorkDirLockWritesPID(t *testing.T) {
	root := t.TempDir()
	w := OpenWorkDir(root, "")
	if err := w.Lock(false); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer w.Unlock()

	data, err := os.ReadFile(filepath.Join(root, "pmbootstrap.lock"))
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("lock file content = %q, want pid %d", data, os.Getpid())
	}
}

func TestWorkDirMigrateFreshToCurrentVersion(t *testing.T) {
	root := t.TempDir()
	w := OpenWorkDir(root, "")
	if err := w.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	v, err := w.ReadVersion()
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if v != CurrentWorkdirVersion {
		t.Errorf("version = %d, want %d", v, CurrentWorkdirVersion)
	}
	if _, err := os.Stat(filepath.Join(root, "cache_git")); err != nil {
		t.Errorf("expected cache_git to be created by migration: %v", err)
	}
}

func TestWorkDirMigrateRelocatesLegacyNative(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "native")
	if err := os.MkdirAll(old, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(old, "marker"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := OpenWorkDir(root, "")
	if err := w.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	newPath := w.ChrootDir(ChrootID{Kind: ChrootNative, Arch: NativeArch()})
	if _, err := os.Stat(filepath.Join(newPath, "marker")); err != nil {
		t.Errorf("expected relocated marker at %s: %v", newPath, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expected legacy native dir to be gone, stat err = %v", err)
	}
}

func TestWorkDirMigrateRejectsFutureVersion(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	future := strconv.Itoa(CurrentWorkdirVersion + 1)
	if err := os.WriteFile(filepath.Join(root, "version"), []byte(future), 0o644); err != nil {
		t.Fatal(err)
	}

	w := OpenWorkDir(root, "")
	err := w.Migrate()
	if _, ok := err.(*ErrWorkdirFromFuture); !ok {
		t.Fatalf("expected *ErrWorkdirFromFuture, got %T: %v", err, err)
	}
}

func TestCompactCacheRecompressesStaleBlobsOnly(t *testing.T) {
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache_apk_x86_64")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(cacheDir, "stale.tar.gz")
	fresh := filepath.Join(cacheDir, "fresh.tar.gz")
	if err := os.WriteFile(stale, []byte("stale content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("fresh content"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * cacheCompactThreshold)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	w := OpenWorkDir(root, "")
	if err := w.CompactCache(); err != nil {
		t.Fatalf("CompactCache: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale blob to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(stale + ".zst"); err != nil {
		t.Errorf("expected stale.tar.gz.zst to exist: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("expected fresh blob to be left alone: %v", err)
	}
}

func TestWorkDirMigrateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w := OpenWorkDir(root, "")
	if err := w.Migrate(); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := w.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

package pmbootstrap

import "testing"

// These exercise the /proc/self/mountinfo reconciliation path against a
// directory nothing is actually mounted under; the mount/unmount
// syscalls themselves need CAP_SYS_ADMIN and aren't exercised here.

func TestMountsUnderEmptyForUnmountedDir(t *testing.T) {
	dir := t.TempDir()
	found, err := mountsUnder(dir)
	if err != nil {
		t.Fatalf("mountsUnder: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected no mounts under a fresh temp dir, got %v", found)
	}
}

func TestReconcileMountsNoopWhenNothingLeaked(t *testing.T) {
	dir := t.TempDir()
	if err := ReconcileMounts(dir); err != nil {
		t.Fatalf("ReconcileMounts on a clean dir should be a no-op: %v", err)
	}
}

func TestMountRegistryIsMountedFalseForUnknownID(t *testing.T) {
	m := NewMountRegistry()
	id := ChrootID{Kind: ChrootNative, Arch: ArchX86_64}
	if m.IsMounted(id) {
		t.Error("a fresh registry should report nothing as mounted")
	}
}

package pmbootstrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MountKind enumerates the kinds of mounts a chroot may need (spec §3
// "Mount record").
type MountKind int

const (
	MountBind MountKind = iota
	MountTmpfs
	MountProc
	MountSys
	MountDev
	MountBinfmt
)

// MountRecord is one entry in a chroot's ordered mount list (spec §3).
type MountRecord struct {
	Chroot       ChrootID
	Source       string
	Target       string
	Kind         MountKind
	CreatedByUs  bool
}

// MountRegistry is the process-wide map from chroot-id to its ordered
// mount list (spec §4.4). It is the single writer of mount state within
// one process (spec §5). Grounded on the teacher's mount.go, reworked
// onto direct unix.Mount/unix.Unmount syscalls (see DESIGN.md) so that
// the /proc/self/mountinfo reconciliation spec invariant 1 requires can
// trust the registry's bookkeeping instead of shelling out to `mount`.
type MountRegistry struct {
	mu       sync.Mutex
	records  map[ChrootID][]MountRecord
	refcount map[ChrootID]int
}

// NewMountRegistry returns an empty registry.
func NewMountRegistry() *MountRegistry {
	return &MountRegistry{
		records:  make(map[ChrootID][]MountRecord),
		refcount: make(map[ChrootID]int),
	}
}

// IsMounted reports whether id currently holds any live mounts, i.e.
// whether a command runner invocation under ContextChroot/
// ContextUserInChroot may proceed (spec §4.2 guarantee).
func (m *MountRegistry) IsMounted(id ChrootID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount[id] > 0
}

// Acquire bumps id's acquisition count and, on a 0->1 transition, mounts
// the full set of filesystems a chroot needs to run commands (spec
// §4.3 ready->mounted): proc, sys, dev, dev/pts, the aports tree bind,
// the cache_apk bind, the local packages bind, and for foreign
// architectures the /native bind plus binfmt registration.
func (m *MountRegistry) Acquire(id ChrootID, wd *WorkDir, foreignOf *ChrootID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refcount[id]++
	if m.refcount[id] > 1 {
		return nil // already mounted; acquisition count bumped
	}

	dir := wd.ChrootDir(id)
	plan := []MountRecord{
		{Chroot: id, Source: "proc", Target: filepath.Join(dir, "proc"), Kind: MountProc},
		{Chroot: id, Source: "sysfs", Target: filepath.Join(dir, "sys"), Kind: MountSys},
		{Chroot: id, Source: "devtmpfs", Target: filepath.Join(dir, "dev"), Kind: MountDev},
		{Chroot: id, Source: "devpts", Target: filepath.Join(dir, "dev/pts"), Kind: MountDev},
		{Chroot: id, Source: wd.AportsDir(), Target: filepath.Join(dir, "home/pmos/aports"), Kind: MountBind},
		{Chroot: id, Source: wd.CacheApkDir(id.Arch), Target: filepath.Join(dir, "var/cache/apk"), Kind: MountBind},
		{Chroot: id, Source: wd.PackagesDir(id.Arch), Target: filepath.Join(dir, "var/cache/apk/packages-local"), Kind: MountBind},
	}

	if foreignOf != nil {
		nativeDir := wd.ChrootDir(*foreignOf)
		plan = append(plan, MountRecord{Chroot: id, Source: nativeDir, Target: filepath.Join(dir, "native"), Kind: MountBind})
	}

	for i := range plan {
		if err := mountOne(plan[i]); err != nil {
			// roll back everything acquired so far in this call before
			// surfacing the error; never leave a partial mount set.
			for j := i - 1; j >= 0; j-- {
				unmountOne(plan[j])
			}
			m.refcount[id]--
			return fmt.Errorf("mounting %s for %v: %w", plan[i].Target, id, err)
		}
		plan[i].CreatedByUs = true
	}

	if id.Arch.IsForeign() {
		if err := ensureBinfmt(id.Arch); err != nil {
			for j := len(plan) - 1; j >= 0; j-- {
				unmountOne(plan[j])
			}
			m.refcount[id]--
			return err
		}
		plan = append(plan, MountRecord{Chroot: id, Kind: MountBinfmt, CreatedByUs: false})
	}

	m.records[id] = plan
	return nil
}

// Release decrements id's acquisition count and, on a 1->0 transition,
// unmounts every recorded mount in reverse order (spec §4.3
// mounted->ready, §5 "unmounts strictly ordered in reverse").
func (m *MountRegistry) Release(id ChrootID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refcount[id] == 0 {
		return nil
	}
	m.refcount[id]--
	if m.refcount[id] > 0 {
		return nil
	}

	records := m.records[id]
	var errs []string
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == MountBinfmt {
			continue // binfmt registrations are never uninstalled (spec §4.4)
		}
		if err := unmountOne(records[i]); err != nil {
			errs = append(errs, err.Error())
		}
	}
	delete(m.records, id)
	if len(errs) > 0 {
		return fmt.Errorf("unmount errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func mountOne(r MountRecord) error {
	if err := os.MkdirAll(r.Target, 0o755); err != nil {
		return err
	}
	switch r.Kind {
	case MountBind:
		return unix.Mount(r.Source, r.Target, "", unix.MS_BIND|unix.MS_REC, "")
	case MountProc:
		return unix.Mount("proc", r.Target, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
	case MountSys:
		return unix.Mount("sysfs", r.Target, "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
	case MountDev:
		if strings.HasSuffix(r.Target, "dev/pts") {
			return unix.Mount("devpts", r.Target, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "mode=0620,gid=5")
		}
		return unix.Mount("udev", r.Target, "devtmpfs", unix.MS_NOSUID, "mode=0755")
	case MountTmpfs:
		return unix.Mount("tmpfs", r.Target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777")
	default:
		return nil
	}
}

func unmountOne(r MountRecord) error {
	if _, err := os.Stat(r.Target); os.IsNotExist(err) {
		return nil
	}
	if err := unix.Unmount(r.Target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount %s: %w", r.Target, err)
	}
	return nil
}

// Shutdown reconciles the registry against /proc/self/mountinfo (spec
// §4.4 "shutdown reconciles..."): every mountpoint under workdir that is
// not in the registry is unmounted too, healing prior aborted runs, but
// only after the work-dir lock is held (enforced by the caller).
func (m *MountRegistry) Shutdown(workdir string) error {
	m.mu.Lock()
	tracked := make(map[string]bool)
	for _, records := range m.records {
		for _, r := range records {
			tracked[r.Target] = true
		}
	}
	ids := make([]ChrootID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Release(id); err != nil {
			return err
		}
	}

	leaked, err := mountsUnder(workdir)
	if err != nil {
		return err
	}
	var stillLeaked []string
	for _, path := range leaked {
		if tracked[path] {
			continue
		}
		if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
			stillLeaked = append(stillLeaked, path)
		}
	}
	if len(stillLeaked) > 0 {
		return &ErrMountLeak{Paths: stillLeaked}
	}
	return nil
}

// ReconcileMounts tears down every kernel mount found under dir,
// consulting /proc/self/mountinfo directly rather than the in-process
// registry (spec §3 invariant 1): a crashed prior process leaves no
// registry state behind in a fresh one, only kernel mounts, so this is
// the only way ChrootManager.Mount/Zap can trust what's actually mounted
// before acting on a chroot.
func ReconcileMounts(dir string) error {
	leaked, err := mountsUnder(dir)
	if err != nil {
		return err
	}
	var stillLeaked []string
	for i := len(leaked) - 1; i >= 0; i-- {
		if err := unix.Unmount(leaked[i], unix.MNT_DETACH); err != nil {
			stillLeaked = append(stillLeaked, leaked[i])
		}
	}
	if len(stillLeaked) > 0 {
		return &ErrMountLeak{Paths: stillLeaked}
	}
	return nil
}

// mountsUnder scans /proc/self/mountinfo for every mountpoint nested
// under workdir (spec invariant 1).
func mountsUnder(workdir string) ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefix := filepath.Clean(workdir) + "/"
	var found []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		mountPoint := fields[4]
		if strings.HasPrefix(mountPoint, prefix) {
			found = append(found, mountPoint)
		}
	}
	return found, sc.Err()
}

package pmbootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ChrootKind is the kind half of a chroot identity (spec §3).
type ChrootKind int

const (
	ChrootNative ChrootKind = iota
	ChrootBuildroot
	ChrootRootfs
	ChrootInstaller
)

func (k ChrootKind) String() string {
	switch k {
	case ChrootNative:
		return "native"
	case ChrootBuildroot:
		return "buildroot"
	case ChrootRootfs:
		return "rootfs"
	case ChrootInstaller:
		return "installer"
	default:
		return "unknown"
	}
}

// ChrootID identifies one chroot: (kind, arch), with an optional device
// qualifier for rootfs/installer chroots which are also keyed by target
// device (spec §6 on-disk layout: chroot_rootfs_<device>).
type ChrootID struct {
	Kind   ChrootKind
	Arch   Arch
	Device string
}

// dirName returns the conventional directory name for this identity,
// e.g. chroot_native, chroot_buildroot_armhf, chroot_rootfs_pine64-pinephone.
func (id ChrootID) dirName() string {
	switch id.Kind {
	case ChrootNative:
		return "chroot_native"
	case ChrootBuildroot:
		return "chroot_buildroot_" + string(id.Arch)
	case ChrootRootfs:
		return "chroot_rootfs_" + id.Device
	case ChrootInstaller:
		return "chroot_installer_" + id.Device
	default:
		return "chroot_unknown"
	}
}

// ChrootState is one of the states in spec §4.3's state machine.
type ChrootState int

const (
	StateAbsent ChrootState = iota
	StateInitializing
	StateReady
	StateMounted
	StateZapping
)

// activeWorkDir is set to the active WorkDir so the executor (which has no
// WorkDir reference of its own, to keep the process-wide context
// explicit per spec §9) can resolve a ChrootID to a directory. It is
// assigned once at manager construction.
var activeWorkDir *WorkDir

func chrootPath(id ChrootID) string {
	if activeWorkDir == nil {
		return id.dirName()
	}
	return activeWorkDir.ChrootDir(id)
}

// ChrootManager drives the absent -> initializing -> ready <-> mounted ->
// zapping -> absent state machine (spec §4.3). Grounded on the teacher's
// chroot.go mount-then-chroot sequencing, generalized from a single
// hard-coded LFS-style chroot to the (kind, arch) family spec §3 demands.
type ChrootManager struct {
	wd      *WorkDir
	mounts  *MountRegistry
	runner  *Runner
	states  map[ChrootID]ChrootState
}

// NewChrootManager builds a manager over wd, tracking states in memory
// (re-derived from disk presence on first query of each identity).
func NewChrootManager(wd *WorkDir, mounts *MountRegistry, runner *Runner) *ChrootManager {
	activeWorkDir = wd
	return &ChrootManager{wd: wd, mounts: mounts, runner: runner, states: make(map[ChrootID]ChrootState)}
}

// State returns id's current state, checking disk presence the first
// time it is asked about an identity this process hasn't touched yet.
func (c *ChrootManager) State(id ChrootID) ChrootState {
	if s, ok := c.states[id]; ok {
		return s
	}
	dir := c.wd.ChrootDir(id)
	if _, err := os.Stat(filepath.Join(dir, "etc", "apk", "arch")); err == nil {
		c.states[id] = StateReady
		return StateReady
	}
	c.states[id] = StateAbsent
	return StateAbsent
}

// EnsureReady creates and seeds id's rootfs if it is currently absent
// (spec §4.3 initializing -> ready): extract a minimal static apk
// (downloaded and verified against a pinned SHA), register mirror
// URL(s)/arch, install alpine-base with `apk.static --initdb`.
func (c *ChrootManager) EnsureReady(ctx context.Context, id ChrootID, cfg *Config) error {
	if c.State(id) == StateReady || c.State(id) == StateMounted {
		return nil
	}
	c.states[id] = StateInitializing

	dir := c.wd.ChrootDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating chroot dir %s: %w", dir, err)
	}

	staticApk, err := fetchStaticApk(ctx, cfg, id.Arch)
	if err != nil {
		return fmt.Errorf("fetching static apk for %s: %w", id, err)
	}
	if err := extractStaticApk(staticApk, dir); err != nil {
		return fmt.Errorf("extracting static apk into %s: %w", dir, err)
	}

	if err := writeApkArch(dir, id.Arch); err != nil {
		return err
	}
	if err := writeApkRepositories(dir, cfg); err != nil {
		return err
	}

	res, err := c.runner.Run(ctx, RunOptions{
		Argv:    []string{filepath.Join(dir, "sbin", "apk.static"), "--root", dir, "--initdb", "add", "alpine-base"},
		Context: ExecContext{Kind: ContextHost},
		Output:  OutputStreamToLog,
		Check:   true,
		AsRoot:  true,
	})
	if err != nil {
		return fmt.Errorf("apk.static --initdb add alpine-base: %w", err)
	}
	_ = res

	c.states[id] = StateReady
	return nil
}

// writeApkArch writes /etc/apk/arch so it equals id's arch (spec
// invariant 2).
func writeApkArch(dir string, arch Arch) error {
	apkDir := filepath.Join(dir, "etc", "apk")
	if err := os.MkdirAll(apkDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(apkDir, "arch"), []byte(string(arch)+"\n"), 0o644)
}

func writeApkRepositories(dir string, cfg *Config) error {
	apkDir := filepath.Join(dir, "etc", "apk")
	if err := os.MkdirAll(apkDir, 0o755); err != nil {
		return err
	}
	var content string
	for _, url := range cfg.MirrorAlpine {
		content += url + "\n"
	}
	return os.WriteFile(filepath.Join(apkDir, "repositories"), []byte(content), 0o644)
}

// Mount transitions id from ready to mounted (spec §4.3). For foreign
// architectures, the native chroot is bound in at /native and binfmt is
// installed, enabling cross-direct and distcc+qemu strategies.
func (c *ChrootManager) Mount(id ChrootID) error {
	if c.State(id) != StateReady && c.State(id) != StateMounted {
		return fmt.Errorf("chroot %v is not ready to be mounted (state=%v)", id, c.State(id))
	}
	if !c.mounts.IsMounted(id) {
		// this process's registry has no record of id, but that proves
		// nothing about the kernel: a prior process could have been
		// killed mid-mount. Reconcile against /proc/self/mountinfo before
		// laying a fresh mount set on top of whatever's actually there.
		if err := ReconcileMounts(c.wd.ChrootDir(id)); err != nil {
			return err
		}
	}
	var foreignOf *ChrootID
	if id.Arch.IsForeign() {
		nativeID := ChrootID{Kind: ChrootNative, Arch: NativeArch()}
		foreignOf = &nativeID
	}
	if err := c.mounts.Acquire(id, c.wd, foreignOf); err != nil {
		return err
	}
	c.states[id] = StateMounted
	return nil
}

// Unmount transitions id from mounted back to ready, releasing every
// recorded mount in reverse order (spec §4.3 mounted -> ready).
func (c *ChrootManager) Unmount(id ChrootID) error {
	if err := c.mounts.Release(id); err != nil {
		return err
	}
	if !c.mounts.IsMounted(id) {
		c.states[id] = StateReady
	}
	return nil
}

// Zap destroys id's tree (spec §4.3 "-> zapping"). It refuses while any
// mount is live, checking both this process's registry and, since a
// killed prior process leaves mounts in the kernel with no registry
// trace, /proc/self/mountinfo directly (spec §3 invariant 1).
func (c *ChrootManager) Zap(id ChrootID) error {
	dir := c.wd.ChrootDir(id)
	live, err := mountsUnder(dir)
	if err != nil {
		return err
	}
	if c.mounts.IsMounted(id) || len(live) > 0 {
		return fmt.Errorf("refusing to zap %v: mounts are still live", id)
	}
	c.states[id] = StateZapping
	if err := checkNotForbidden(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("zapping %s: %w", dir, err)
	}
	delete(c.states, id)
	return nil
}

// Enter runs cmdArgs inside id as either root (explicit --root) or the
// known in-chroot unprivileged user (spec §4.3 "Entering a chroot").
func (c *ChrootManager) Enter(ctx context.Context, id ChrootID, cmdArgs []string, asRoot bool) (*RunResult, error) {
	if c.State(id) != StateMounted {
		return nil, fmt.Errorf("chroot %v is not mounted", id)
	}
	execCtx := ExecContext{Kind: ContextUserInChroot, ChrootID: id, User: "pmos"}
	if asRoot {
		execCtx = ExecContext{Kind: ContextChroot, ChrootID: id}
	}
	return c.runner.Run(ctx, RunOptions{
		Argv:    cmdArgs,
		Context: execCtx,
		Output:  OutputTeeToTerminal,
		Check:   true,
		AsRoot:  true,
	})
}

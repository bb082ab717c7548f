package pmbootstrap

import "fmt"

// BuildStrategy is one of the four ways pmbootstrap can produce a
// foreign-arch package (spec §4.5 step 5).
type BuildStrategy int

const (
	StrategyNative BuildStrategy = iota
	StrategyCrossDirect
	StrategyDistccQemu
	StrategyQemuOnly
)

func (s BuildStrategy) String() string {
	switch s {
	case StrategyNative:
		return "native"
	case StrategyCrossDirect:
		return "cross-direct"
	case StrategyDistccQemu:
		return "distcc+qemu"
	case StrategyQemuOnly:
		return "qemu-only"
	default:
		return "unknown"
	}
}

// crossAportNames returns the three cross-toolchain aports cross-direct
// requires for target arch (spec §4.5: "gcc-<arch>, binutils-<arch>,
// musl-dev-<arch>").
func crossAportNames(target Arch) []string {
	return []string{
		"gcc-" + string(target),
		"binutils-" + string(target),
		"musl-dev-" + string(target),
	}
}

// SelectStrategy implements spec §4.5 step 5's deterministic selection,
// ties broken in the documented order: native, then cross-direct, then
// distcc+qemu, then qemu-only.
//
// crossAvailable and distccCompatible are supplied by the caller, which
// already has the recipe and the resolved universe in scope (the
// resolver, not this function, knows whether gcc-<arch> et al. are
// buildable/installable).
func SelectStrategy(r *Recipe, target Arch, crossAvailable, distccCompatible bool) BuildStrategy {
	if target.IsNative() {
		return StrategyNative
	}
	if crossAvailable && !r.Options["!cross-direct"] {
		return StrategyCrossDirect
	}
	if distccCompatible && !r.Options["!distcc"] {
		return StrategyDistccQemu
	}
	return StrategyQemuOnly
}

// envForStrategy returns the environment overlay the build invocation
// needs for the chosen strategy (spec §4.5 step 8: "the chosen
// strategy's env").
func envForStrategy(s BuildStrategy, target Arch) []string {
	switch s {
	case StrategyCrossDirect, StrategyDistccQemu:
		return []string{
			"CHOST=" + target.Hostspec(),
			"CTARGET=" + target.Hostspec(),
			"CBUILD=" + NativeArch().Hostspec(),
		}
	default:
		return nil
	}
}

// distccEnv appends distcc wrapper variables on top of envForStrategy's
// cross environment, pointed at the native chroot's distccd.
func distccEnv(target Arch) []string {
	env := envForStrategy(StrategyDistccQemu, target)
	return append(env, fmt.Sprintf("DISTCC_HOSTS=127.0.0.1:%d", distccdPort))
}

const distccdPort = 3632

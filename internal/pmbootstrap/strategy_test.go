package pmbootstrap

import "testing"

func TestSelectStrategyNativeWins(t *testing.T) {
	r := &Recipe{Options: map[string]bool{}}
	got := SelectStrategy(r, NativeArch(), true, true)
	if got != StrategyNative {
		t.Errorf("SelectStrategy(native arch) = %v, want native", got)
	}
}

func TestSelectStrategyForeignPrefersCrossDirect(t *testing.T) {
	r := &Recipe{Options: map[string]bool{}}
	foreign := ArchRiscv64
	if foreign == NativeArch() {
		foreign = ArchAarch64
	}
	got := SelectStrategy(r, foreign, true, true)
	if got != StrategyCrossDirect {
		t.Errorf("SelectStrategy = %v, want cross-direct", got)
	}
}

func TestSelectStrategyFallsBackToDistccThenQemu(t *testing.T) {
	r := &Recipe{Options: map[string]bool{}}
	foreign := ArchRiscv64
	if foreign == NativeArch() {
		foreign = ArchAarch64
	}
	if got := SelectStrategy(r, foreign, false, true); got != StrategyDistccQemu {
		t.Errorf("SelectStrategy = %v, want distcc+qemu", got)
	}
	if got := SelectStrategy(r, foreign, false, false); got != StrategyQemuOnly {
		t.Errorf("SelectStrategy = %v, want qemu-only", got)
	}
}

func TestSelectStrategyHonorsOptOuts(t *testing.T) {
	foreign := ArchRiscv64
	if foreign == NativeArch() {
		foreign = ArchAarch64
	}
	r := &Recipe{Options: map[string]bool{"!cross-direct": true}}
	if got := SelectStrategy(r, foreign, true, true); got != StrategyDistccQemu {
		t.Errorf("SelectStrategy with !cross-direct = %v, want distcc+qemu", got)
	}
}

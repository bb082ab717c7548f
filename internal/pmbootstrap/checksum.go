package pmbootstrap

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"lukechampine.com/blake3"
)

// VerifySha512 checks a source file's digest against the recipe's
// recorded sha512sums entry (spec §4.5 step 7). want may be empty, in
// which case verification is skipped (recipes without sums are
// tolerated, matching the shell tooling's behavior for locally staged
// files).
func VerifySha512(path, want string) error {
	if want == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return &ErrChecksumMismatch{File: path, Want: want, Got: got}
	}
	return nil
}

// Blake3Fingerprint computes s's BLAKE3 digest, preferring the system
// b3sum binary when present and falling back to the pure-Go
// implementation otherwise. This is used by the build planner's
// freshness check (spec §4.5 step 3): a recipe/source/dependency closure
// fingerprint, not a security digest, so either implementation
// agreeing with itself run-to-run is all that matters.
func Blake3Fingerprint(s string) string {
	if _, err := exec.LookPath("b3sum"); err == nil {
		cmd := exec.Command("b3sum", "--no-names")
		cmd.Stdin = strings.NewReader(s)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err == nil {
			if fields := strings.Fields(out.String()); len(fields) > 0 {
				return fields[0]
			}
		}
	}
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Blake3FingerprintFile hashes a file's contents the same way, for
// fingerprinting staged sources rather than in-memory strings.
func Blake3FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

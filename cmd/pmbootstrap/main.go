// Command pmbootstrap builds and operates chroot-based package and
// rootfs builds for Alpine-derived mobile distributions.
package main

import (
	"os"

	"github.com/pmbootstrap/pmbootstrap/internal/pmbootstrap"
)

func main() {
	os.Exit(pmbootstrap.Execute())
}

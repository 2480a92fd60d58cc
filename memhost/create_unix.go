//go:build unix

package memhost

import (
	"os"

	"golang.org/x/sys/unix"
)

// createOutput opens path for writing without following a symlink at the
// final component.
func createOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, 0o644)
}

//go:build !unix

package memhost

import (
	"fmt"
	"io/fs"
	"os"
)

func createOutput(path string) (*os.File, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("refusing to write through symlink %s", fi.Name())
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

//go:build !windows

package fsutil

import (
	"os"
	"path/filepath"
)

// LinkDirectory creates a link from target to a cached subtree at source so
// that a cache entry can be placed into a build directory without copying.
// On POSIX this is an absolute symbolic link (spec §4.5 step 8).
func LinkDirectory(source, target string) error {
	absSource, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Symlink(absSource, target)
}

// RemoveDirectoryLink removes a directory link without affecting its target.
func RemoveDirectoryLink(target string) error {
	return os.Remove(target)
}

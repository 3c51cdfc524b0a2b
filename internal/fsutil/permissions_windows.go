//go:build windows

package fsutil

import (
	"os"

	"github.com/hectane/go-acl"
)

// SetFileReadOnly marks a file read-only. Windows has no separate execute
// permission bit, so executable is accepted only for interface symmetry with
// the POSIX implementation.
func SetFileReadOnly(path string, executable bool) error {
	return acl.Chmod(path, os.FileMode(0o444))
}

// SetDirectoryReadOnly marks a directory read-only.
func SetDirectoryReadOnly(path string) error {
	return acl.Chmod(path, os.FileMode(0o555))
}

// SetDirectoryWritable restores owner write permission on a directory.
func SetDirectoryWritable(path string) error {
	return acl.Chmod(path, os.FileMode(0o755))
}

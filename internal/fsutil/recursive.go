package fsutil

import (
	"os"
	"path/filepath"
)

// SetTreeReadOnly recursively marks every file and directory beneath root
// (root included) read-only, per spec §3's publication invariant. It visits
// directories bottom-up so that a directory's own permissions are not
// tightened until its children have already been processed (tightening first
// would block further traversal into it on some platforms).
func SetTreeReadOnly(root string, executableNames map[string]bool) error {
	return walkBottomUp(root, func(path string, info os.FileInfo) error {
		if info.IsDir() {
			return SetDirectoryReadOnly(path)
		}
		return SetFileReadOnly(path, executableNames[path])
	})
}

// walkBottomUp visits every entry under root, directories last among their
// own siblings' descendants, invoking fn for each.
func walkBottomUp(root string, fn func(path string, info os.FileInfo) error) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(root)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := walkBottomUp(filepath.Join(root, entry.Name()), fn); err != nil {
				return err
			}
		}
	}
	return fn(root, info)
}

package treecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/buildbarn-worker/localcache/internal/fsutil"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// Build materializes the input root whose already-fetched wire message is
// inputRootNode into targetDir, implementing
// the resolve/scrub/materialize/plan/execute/publish/link/assert algorithm
// of spec §4.5.
func (c *Cache) Build(ctx context.Context, inputRootNode treedata.Directory, targetDir string) error {
	dd, err := c.resolveInputRoot(ctx, inputRootNode)
	if err != nil {
		return err
	}
	return c.buildToplevel(ctx, dd, targetDir)
}

// buildToplevel applies the full top-level algorithm to dd materialized at
// targetDir. It is also used recursively for large_directory_names entries,
// whose own children are cached individually rather than the directory
// itself being cached as a unit.
func (c *Cache) buildToplevel(ctx context.Context, dd *treedata.DirectoryData, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("tree cache: create target directory %s: %w", targetDir, err)
	}
	if err := c.scrub(targetDir); err != nil {
		return fmt.Errorf("tree cache: scrub %s: %w", targetDir, err)
	}

	files := make([]treedata.FileNode, 0, len(dd.Files))
	for _, f := range dd.Files {
		files = append(files, f)
	}
	if err := c.blobCache.FetchTo(ctx, files, targetDir); err != nil {
		return fmt.Errorf("tree cache: materialize top-level files: %w", err)
	}

	var largeNames, skipNames, cachedNames []string
	for name := range dd.Subdirs {
		switch {
		case c.largeDirectoryNames[name]:
			largeNames = append(largeNames, name)
		case c.skipCacheNames[name]:
			skipNames = append(skipNames, name)
		default:
			cachedNames = append(cachedNames, name)
		}
	}
	sort.Strings(largeNames)
	sort.Strings(skipNames)
	sort.Strings(cachedNames)

	plan, err := c.planCachedSubtrees(dd, cachedNames)
	if err != nil {
		return err
	}

	if err := c.executeBuilds(ctx, dd, targetDir, largeNames, skipNames, plan); err != nil {
		return err
	}

	if err := c.publishScheduled(plan); err != nil {
		return err
	}

	if err := c.linkCachedSubtrees(cachedNames, plan, targetDir); err != nil {
		return err
	}

	return c.assertTopLevel(dd, targetDir)
}

// scrub clears targetDir's existing children per spec §4.5 step 2.
func (c *Cache) scrub(targetDir string) error {
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(targetDir, name)
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := os.Remove(path); err != nil {
				return err
			}
		case !info.IsDir():
			_ = os.Chmod(path, 0o644)
			if err := os.Remove(path); err != nil {
				return err
			}
		case c.largeDirectoryNames[name]:
			if err := c.scrubLargeDirectory(path); err != nil {
				return err
			}
		case c.skipCacheNames[name]:
			// Restore owner write permission on every directory first so
			// that read-only contents can be removed (best effort).
			_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
				if err == nil && fi.IsDir() {
					_ = fsutil.SetDirectoryWritable(p)
				}
				return nil
			})
			if err := os.RemoveAll(path); err != nil {
				return err
			}
		default:
			// Expected to be a directory link to a cached subtree.
			if err := fsutil.RemoveDirectoryLink(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// scrubLargeDirectory removes each child link in place, then the now-empty
// shell directory.
func (c *Cache) scrubLargeDirectory(path string) error {
	children, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, child := range children {
		childPath := filepath.Join(path, child.Name())
		info, err := os.Lstat(childPath)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(childPath); err != nil {
				return err
			}
		} else {
			if err := os.RemoveAll(childPath); err != nil {
				return err
			}
		}
	}
	return os.Remove(path)
}

// assertTopLevel verifies every top-level name in dd now exists in targetDir.
func (c *Cache) assertTopLevel(dd *treedata.DirectoryData, targetDir string) error {
	for name := range dd.Files {
		if _, err := os.Lstat(filepath.Join(targetDir, name)); err != nil {
			return fmt.Errorf("tree cache: expected file %q missing after build: %w", name, err)
		}
	}
	for name := range dd.Subdirs {
		if _, err := os.Lstat(filepath.Join(targetDir, name)); err != nil {
			return fmt.Errorf("tree cache: expected directory %q missing after build: %w", name, err)
		}
	}
	return nil
}

package treecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildbarn-worker/localcache/internal/treedata"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

// executeBuilds runs every scheduled unit of work concurrently on the
// worker pool: large subdirectories recurse through the full top-level
// algorithm, skip_cache subdirectories are built natively and left
// writable, and freshly-scheduled cached subtrees are built into a .tmp
// directory.
func (c *Cache) executeBuilds(ctx context.Context, dd *treedata.DirectoryData, targetDir string, largeNames, skipNames []string, plan map[string]*scheduledSubtree) error {
	var futures []*workerpool.Future

	for _, name := range largeNames {
		name, child := name, dd.Subdirs[name]
		futures = append(futures, c.pool.Submit(func() error {
			return c.buildToplevel(ctx, child, filepath.Join(targetDir, name))
		}))
	}

	for _, name := range skipNames {
		name, child := name, dd.Subdirs[name]
		futures = append(futures, c.pool.Submit(func() error {
			dest := filepath.Join(targetDir, name)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			return c.nativeBuild(ctx, child, dest)
		}))
	}

	for _, item := range plan {
		if !item.fresh {
			continue
		}
		item := item
		c.pool.Submit(func() error {
			err := c.buildScheduled(ctx, item)
			item.built.finish(item.data, err)
			return err
		})
	}

	var firstErr error
	for _, fut := range futures {
		if err := fut.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, item := range plan {
		if item.fresh {
			if _, err := item.built.wait(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// buildScheduled builds a freshly-scheduled cached subtree into
// "{cacheID}.tmp" under the tree cache root.
func (c *Cache) buildScheduled(ctx context.Context, item *scheduledSubtree) error {
	tmp := c.path(item.name) + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("tree cache: create %s: %w", tmp, err)
	}
	if err := c.nativeBuild(ctx, item.data, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return nil
}

// nativeBuild recursively materializes dd's files and subdirectories into
// dir, via the blob cache for file content.
func (c *Cache) nativeBuild(ctx context.Context, dd *treedata.DirectoryData, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tree cache: create %s: %w", dir, err)
	}

	files := make([]treedata.FileNode, 0, len(dd.Files))
	for _, f := range dd.Files {
		files = append(files, f)
	}
	if err := c.blobCache.FetchTo(ctx, files, dir); err != nil {
		return fmt.Errorf("tree cache: materialize files in %s: %w", dir, err)
	}

	for name, child := range dd.Subdirs {
		if err := c.nativeBuild(ctx, child, filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	for name := range dd.Files {
		if _, err := os.Lstat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("tree cache: expected file %q missing after native build: %w", name, err)
		}
	}
	for name := range dd.Subdirs {
		if _, err := os.Lstat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("tree cache: expected directory %q missing after native build: %w", name, err)
		}
	}
	return nil
}

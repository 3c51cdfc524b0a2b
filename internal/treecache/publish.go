package treecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildbarn-worker/localcache/internal/fsutil"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// publishScheduled promotes every freshly-built .tmp subtree into place,
// chmods it recursively read-only, and registers it in cached (spec §4.5
// step 7). On failure it releases the reservation and deletes .tmp residue.
func (c *Cache) publishScheduled(plan map[string]*scheduledSubtree) error {
	var firstErr error
	for _, item := range plan {
		if !item.fresh {
			continue
		}
		if _, err := item.built.wait(); err != nil {
			c.releaseReservation(item)
			item.future.finish(nil, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.publishOne(item); err != nil {
			c.releaseReservation(item)
			item.future.finish(nil, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		item.future.finish(item.data, nil)
	}
	return firstErr
}

// publishOne moves item's .tmp subtree into place and registers it in
// cached while still holding item.name's per-path lock (spec §4.5 step 7).
// The c.guard section below is, like blobcache.publish, a short map
// mutation nested inside a per-path lock rather than the other way
// around; it never itself blocks on a per-path lock or I/O, so it cannot
// participate in an AB-BA cycle (see SPEC_FULL.md §5's lock-ordering note).
func (c *Cache) publishOne(item *scheduledSubtree) error {
	tmp := c.path(item.name) + ".tmp"
	final := c.path(item.name)

	handle := c.locks.Acquire(item.name)
	defer handle.Release()

	if _, err := os.Stat(final); err == nil {
		// A racing evictor may have already removed this name from cached,
		// but left stale bytes from a previous publication on disk.
		if err := os.RemoveAll(final); err != nil {
			return fmt.Errorf("tree cache: remove stale %s: %w", final, err)
		}
	}
	if err := fsutil.Rename(tmp, final); err != nil {
		return fmt.Errorf("tree cache: publish %s: %w", item.name, err)
	}
	if err := fsutil.SetTreeReadOnly(final, executablePaths(item.data, final)); err != nil {
		return fmt.Errorf("tree cache: chmod %s read-only: %w", item.name, err)
	}

	c.guard.Lock()
	c.cached[item.name] = item.data
	c.touch(item.name)
	delete(c.pending, item.name)
	c.guard.Unlock()

	return nil
}

// releaseReservation undoes a failed subtree's tentative file-count
// increments and size reservation, and clears its pending entry.
func (c *Cache) releaseReservation(item *scheduledSubtree) {
	c.guard.Lock()
	delete(c.pending, item.name)
	c.currentSize -= item.bytes
	if c.fileCount != nil {
		for _, blobName := range item.charged {
			if c.fileCount[blobName] > 0 {
				c.fileCount[blobName]--
			}
		}
	}
	c.guard.Unlock()
	_ = os.RemoveAll(c.path(item.name) + ".tmp")
}

// executablePaths collects the full on-disk path of every executable file
// beneath root, for fsutil.SetTreeReadOnly.
func executablePaths(dd *treedata.DirectoryData, root string) map[string]bool {
	out := make(map[string]bool)
	var walk func(dd *treedata.DirectoryData, dir string)
	walk = func(dd *treedata.DirectoryData, dir string) {
		for name, f := range dd.Files {
			if f.IsExecutable {
				out[filepath.Join(dir, name)] = true
			}
		}
		for name, sub := range dd.Subdirs {
			walk(sub, filepath.Join(dir, name))
		}
	}
	walk(dd, root)
	return out
}

// linkCachedSubtrees creates a directory link from the cache root to
// targetDir/name for every cached-subtree candidate, whether freshly built
// or already published (spec §4.5 step 8).
func (c *Cache) linkCachedSubtrees(cachedNames []string, plan map[string]*scheduledSubtree, targetDir string) error {
	for _, name := range cachedNames {
		item, ok := plan[name]
		if !ok {
			continue
		}

		cacheID := item.name
		if item.future != nil {
			if _, err := item.future.wait(); err != nil {
				return err
			}
		}

		handle := c.locks.Acquire(cacheID)
		err := fsutil.LinkDirectory(c.path(cacheID), filepath.Join(targetDir, name))
		handle.Release()
		if err != nil {
			return fmt.Errorf("tree cache: link %s into %s: %w", cacheID, name, err)
		}
	}
	return nil
}

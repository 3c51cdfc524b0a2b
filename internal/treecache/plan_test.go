package treecache

import (
	"testing"

	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

func fileDigest(hash string, size int64) digest.Digest {
	return digest.Digest{Hash: hash, SizeBytes: size}
}

func newPlanTestCache(t *testing.T, hardlink bool, maxSizeBytes int64) *Cache {
	t.Helper()
	c, err := New(Options{Root: t.TempDir(), HardlinkMode: hardlink, MaxCacheSizeBytes: maxSizeBytes})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func singleFileSubdir(fileName string, d digest.Digest) *treedata.DirectoryData {
	dd := treedata.NewDirectoryData()
	dd.Files[fileName] = treedata.FileNode{Name: fileName, Digest: d}
	return dd
}

// TestPlanCachedSubtreesAttachesToPendingBuild exercises the two-future
// concurrency design directly: a second caller referencing a subtree already
// scheduled by a first caller must attach to the same future rather than
// scheduling a redundant build, and must observe the same resolved data once
// the first caller's build completes.
func TestPlanCachedSubtreesAttachesToPendingBuild(t *testing.T) {
	c := newPlanTestCache(t, false, 0)

	dd := treedata.NewDirectoryData()
	dd.Subdirs["lib"] = singleFileSubdir("a.txt", fileDigest("aa", 3))

	plan1, err := c.planCachedSubtrees(dd, []string{"lib"})
	if err != nil {
		t.Fatalf("planCachedSubtrees (first): %v", err)
	}
	first := plan1["lib"]
	if !first.fresh {
		t.Fatalf("expected the first planner to freshly schedule the subtree")
	}

	plan2, err := c.planCachedSubtrees(dd, []string{"lib"})
	if err != nil {
		t.Fatalf("planCachedSubtrees (second): %v", err)
	}
	second := plan2["lib"]
	if second.fresh {
		t.Fatalf("expected the second planner to attach rather than reschedule")
	}
	if second.future != first.future {
		t.Fatalf("expected the second planner to attach to the first's future")
	}

	// Simulate the first build completing and publishing.
	first.built.finish(first.data, nil)
	first.future.finish(first.data, nil)

	gotData, err := second.future.wait()
	if err != nil {
		t.Fatalf("attached future wait: %v", err)
	}
	if gotData != first.data {
		t.Fatalf("expected the attached future to resolve to the same data as the scheduler")
	}
}

func TestPlanCachedSubtreesReusesAlreadyCachedEntry(t *testing.T) {
	c := newPlanTestCache(t, false, 0)

	dd := treedata.NewDirectoryData()
	child := singleFileSubdir("a.txt", fileDigest("aa", 3))
	dd.Subdirs["lib"] = child

	cacheID := nameForChecksum(child.StructuralChecksum())
	c.guard.Lock()
	c.cached[cacheID] = child
	c.touch(cacheID)
	c.guard.Unlock()

	plan, err := c.planCachedSubtrees(dd, []string{"lib"})
	if err != nil {
		t.Fatalf("planCachedSubtrees: %v", err)
	}
	item := plan["lib"]
	if item.fresh {
		t.Fatalf("expected an already-cached subtree to be reused, not rescheduled")
	}
	if item.data != child {
		t.Fatalf("expected the reused entry's data to match the cached entry")
	}
}

func TestPlanCachedSubtreesReportsMaxSizeReached(t *testing.T) {
	c := newPlanTestCache(t, false, 10)

	dd := treedata.NewDirectoryData()
	dd.Subdirs["big"] = singleFileSubdir("f", fileDigest("h", 1000))

	_, err := c.planCachedSubtrees(dd, []string{"big"})
	if err == nil {
		t.Fatalf("expected a MaxSizeReachedError for a reservation exceeding the budget")
	}
	if _, ok := err.(*MaxSizeReachedError); !ok {
		t.Fatalf("expected *MaxSizeReachedError, got %T: %v", err, err)
	}
}

func TestPlanCachedSubtreesEvictsLRUToMakeRoom(t *testing.T) {
	c := newPlanTestCache(t, false, 15)

	oldChild := singleFileSubdir("old.txt", fileDigest("old", 10))
	oldID := nameForChecksum(oldChild.StructuralChecksum())
	c.guard.Lock()
	c.cached[oldID] = oldChild
	c.touch(oldID)
	c.currentSize = 10
	c.guard.Unlock()

	dd := treedata.NewDirectoryData()
	dd.Subdirs["new"] = singleFileSubdir("new.txt", fileDigest("new", 10))

	plan, err := c.planCachedSubtrees(dd, []string{"new"})
	if err != nil {
		t.Fatalf("planCachedSubtrees: %v", err)
	}
	if !plan["new"].fresh {
		t.Fatalf("expected the new subtree to be scheduled after eviction")
	}
	c.guard.Lock()
	_, stillCached := c.cached[oldID]
	c.guard.Unlock()
	if stillCached {
		t.Fatalf("expected the old entry to have been evicted to make room")
	}
}

// TestAdditionalBytesChargesSharedBlobOnce verifies that in hardlink mode, a
// file digest referenced by two sibling subtrees scheduled within the same
// planning pass is only charged against current_size_bytes once.
func TestAdditionalBytesChargesSharedBlobOnce(t *testing.T) {
	c := newPlanTestCache(t, true, 0)

	shared := fileDigest("shared", 100)
	dd := treedata.NewDirectoryData()
	dd.Subdirs["a"] = singleFileSubdir("f", shared)
	dd.Subdirs["b"] = singleFileSubdir("f", shared)

	_, err := c.planCachedSubtrees(dd, []string{"a", "b"})
	if err != nil {
		t.Fatalf("planCachedSubtrees: %v", err)
	}
	if got := c.CurrentSizeBytes(); got != 100 {
		t.Fatalf("expected the shared blob to be charged exactly once (100 bytes), got %d", got)
	}
}

func TestEvictLockedReleasesFileCountReferences(t *testing.T) {
	c := newPlanTestCache(t, true, 0)

	d := fileDigest("f", 50)
	child := singleFileSubdir("f.txt", d)
	cacheID := nameForChecksum(child.StructuralChecksum())
	blobName := nameForChecksum(d)

	c.guard.Lock()
	c.cached[cacheID] = child
	c.touch(cacheID)
	c.fileCount[blobName] = 1
	c.currentSize = 50
	c.guard.Unlock()

	c.guard.Lock()
	c.evictLocked(cacheID)
	count := c.fileCount[blobName]
	size := c.currentSize
	c.guard.Unlock()

	if count != 0 {
		t.Fatalf("expected file count to drop to 0 after eviction, got %d", count)
	}
	if size != 0 {
		t.Fatalf("expected current size to drop to 0 after eviction, got %d", size)
	}
}

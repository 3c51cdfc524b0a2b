package treecache

import (
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// scheduledSubtree is one cached-subtree candidate's outcome from planning:
// either it's already available (touch/attach) or it was freshly scheduled
// for a native build into a .tmp directory.
type scheduledSubtree struct {
	name    string
	data    *treedata.DirectoryData
	fresh   bool
	future  *buildFuture // resolved at publish time; visible to concurrent attachers
	built   *buildFuture // resolved once the native build into .tmp finishes (fresh only)
	charged []string     // blob cache names charged against this subtree (hardlink mode)
	bytes   int64        // reservation charged at planning time
}

// planCachedSubtrees is the global critical section of spec §4.5 step 5: for
// each cached-subtree candidate, decide whether to reuse a published entry,
// attach to an in-flight build, or schedule a new one, evicting LRU entries
// as needed to stay within the reservation budget.
func (c *Cache) planCachedSubtrees(dd *treedata.DirectoryData, cachedNames []string) (map[string]*scheduledSubtree, error) {
	plan := make(map[string]*scheduledSubtree, len(cachedNames))

	c.guard.Lock()
	defer c.guard.Unlock()

	pendingCharge := make(map[string]int) // tentative fileCount increments this planning pass
	var needed []struct {
		name    string
		data    *treedata.DirectoryData
		cacheID string
		charged []string
		bytes   int64
	}
	var totalReserve int64

	for _, name := range cachedNames {
		child := dd.Subdirs[name]
		cacheID := nameForChecksum(child.StructuralChecksum())

		if existing, ok := c.cached[cacheID]; ok {
			c.touch(cacheID)
			plan[name] = &scheduledSubtree{name: cacheID, data: existing}
			continue
		}
		if fut, ok := c.pending[cacheID]; ok {
			plan[name] = &scheduledSubtree{name: cacheID, future: fut}
			continue
		}

		bytes, charged := c.additionalBytes(child, pendingCharge)
		for _, blobName := range charged {
			pendingCharge[blobName]++
		}
		needed = append(needed, struct {
			name    string
			data    *treedata.DirectoryData
			cacheID string
			charged []string
			bytes   int64
		}{name, child, cacheID, charged, bytes})
		totalReserve += bytes
	}

	if c.maxSizeBytes > 0 && c.currentSize+totalReserve > c.maxSizeBytes {
		deficit := c.currentSize + totalReserve - c.maxSizeBytes
		var evicted []string
		for _, cacheID := range c.insertionOrderNames() {
			if deficit <= 0 {
				break
			}
			evicted = append(evicted, cacheID)
			deficit -= c.sizeOf(cacheID)
		}
		if deficit > 0 {
			return nil, &MaxSizeReachedError{RequestedBytes: totalReserve, MaxSizeBytes: c.maxSizeBytes}
		}
		var evictedBytes int64
		for _, cacheID := range evicted {
			evictedBytes += c.sizeOf(cacheID)
			c.evictLocked(cacheID)
		}
		if evictedBytes > 0 {
			c.recorder.ObserveSize("treecache_eviction_bytes", evictedBytes)
		}
	}

	if totalReserve > 0 {
		c.recorder.ObserveSize("treecache_reservation_bytes", totalReserve)
	}
	for _, item := range needed {
		fut := newBuildFuture()
		c.pending[item.cacheID] = fut
		c.currentSize += item.bytes
		if c.fileCount != nil {
			for _, blobName := range item.charged {
				c.fileCount[blobName]++
			}
		}
		plan[item.name] = &scheduledSubtree{name: item.cacheID, data: item.data, fresh: true, future: fut, built: newBuildFuture(), charged: item.charged, bytes: item.bytes}
	}

	return plan, nil
}

// additionalBytes computes the bytes a newly-scheduled subtree would add to
// current_size_bytes: in hardlink mode, a file is charged only the first
// time it's referenced (c.fileCount is nil otherwise and every file is
// charged at full size, matching copy mode). pendingCharge tracks blobs
// already tentatively charged earlier in the same planning pass.
func (c *Cache) additionalBytes(dd *treedata.DirectoryData, pendingCharge map[string]int) (int64, []string) {
	var total int64
	var charged []string
	seen := make(map[string]bool)

	var walk func(dd *treedata.DirectoryData)
	walk = func(dd *treedata.DirectoryData) {
		for _, f := range dd.Files {
			blobName := nameForChecksum(f.Digest)
			if c.fileCount == nil {
				total += f.Digest.SizeBytes
				continue
			}
			if seen[blobName] {
				continue
			}
			seen[blobName] = true
			if c.fileCount[blobName] == 0 && pendingCharge[blobName] == 0 {
				total += f.Digest.SizeBytes
				charged = append(charged, blobName)
			}
		}
		for _, sub := range dd.Subdirs {
			walk(sub)
		}
	}
	walk(dd)
	return total, charged
}

func (c *Cache) sizeOf(cacheID string) int64 {
	dd, ok := c.cached[cacheID]
	if !ok {
		return 0
	}
	if c.fileCount == nil {
		return treeByteSize(dd)
	}
	var total int64
	seen := make(map[string]bool)
	var walk func(dd *treedata.DirectoryData)
	walk = func(dd *treedata.DirectoryData) {
		for _, f := range dd.Files {
			blobName := nameForChecksum(f.Digest)
			if seen[blobName] {
				continue
			}
			seen[blobName] = true
			if c.fileCount[blobName] == 1 {
				total += f.Digest.SizeBytes
			}
		}
		for _, sub := range dd.Subdirs {
			walk(sub)
		}
	}
	walk(dd)
	return total
}

func treeByteSize(dd *treedata.DirectoryData) int64 {
	var total int64
	for _, f := range dd.Files {
		total += f.Digest.SizeBytes
	}
	for _, sub := range dd.Subdirs {
		total += treeByteSize(sub)
	}
	return total
}

// evictLocked removes cacheID from cached, releasing its reservation and
// decrementing file-count references. Caller must hold c.guard.
func (c *Cache) evictLocked(cacheID string) {
	dd, ok := c.cached[cacheID]
	if !ok {
		return
	}
	c.currentSize -= c.sizeOf(cacheID)
	delete(c.cached, cacheID)
	c.removeFromOrder(cacheID)

	if c.fileCount != nil {
		var walk func(dd *treedata.DirectoryData)
		walk = func(dd *treedata.DirectoryData) {
			for _, f := range dd.Files {
				blobName := nameForChecksum(f.Digest)
				if c.fileCount[blobName] > 0 {
					c.fileCount[blobName]--
				}
			}
			for _, sub := range dd.Subdirs {
				walk(sub)
			}
		}
		walk(dd)
	}
}

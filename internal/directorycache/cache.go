// Package directorycache holds the in-memory LRU of deserialized Directory
// messages keyed by wire digest (spec §4.3): an optimization layer in front
// of the CAS client so that repeatedly-referenced subtrees (common base
// images, shared third-party dependency trees) don't round-trip the network
// on every build.
package directorycache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// Cache is a byte-bounded, count-bounded LRU of parsed Directory messages.
// Entries are evicted least-recently-used first; a get touches the entry.
type Cache struct {
	mu                sync.Mutex
	entries           *lru.Cache[digest.Digest, treedata.Directory]
	maxSizeBytes      int64
	currentSizeBytes  int64
	sizeByDigest      map[digest.Digest]int64
}

// New creates a cache holding at most maxCount entries and maxSizeBytes of
// total serialized directory-message size, whichever limit binds first.
func New(maxCount int, maxSizeBytes int64) (*Cache, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	c := &Cache{
		maxSizeBytes: maxSizeBytes,
		sizeByDigest: make(map[digest.Digest]int64),
	}
	entries, err := lru.NewWithEvict(maxCount, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *Cache) onEvict(key digest.Digest, _ treedata.Directory) {
	c.currentSizeBytes -= c.sizeByDigest[key]
	delete(c.sizeByDigest, key)
}

// Get returns the cached Directory for d, touching it as most-recently-used.
func (c *Cache) Get(d digest.Digest) (treedata.Directory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(d)
}

// Put inserts dir under digest d, evicting LRU entries as needed to stay
// under the byte budget.
func (c *Cache) Put(d digest.Digest, dir treedata.Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sizeByDigest[d]; ok {
		c.entries.Add(d, dir)
		return
	}

	size := d.SizeBytes
	for c.maxSizeBytes > 0 && c.currentSizeBytes+size > c.maxSizeBytes && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}

	c.entries.Add(d, dir)
	c.sizeByDigest[d] = size
	c.currentSizeBytes += size
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// CurrentSizeBytes returns the total serialized size of cached entries.
func (c *Cache) CurrentSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSizeBytes
}

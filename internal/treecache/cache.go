// Package treecache implements the directory tree cache: the layer that
// materializes a Bazel action's input root on local disk, publishing
// individual subtrees into a content-addressed (by structural checksum)
// on-disk cache so that repeated actions sharing large input trees don't
// repay the materialization cost every time.
package treecache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildbarn-worker/localcache/internal/blobcache"
	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/directorycache"
	"github.com/buildbarn-worker/localcache/internal/logging"
	"github.com/buildbarn-worker/localcache/internal/metrics"
	"github.com/buildbarn-worker/localcache/internal/pathlock"
	"github.com/buildbarn-worker/localcache/internal/treedata"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

// MaxSizeReachedError is returned when a build's reservation cannot be
// satisfied even after evicting every eligible cached subtree.
type MaxSizeReachedError struct {
	RequestedBytes int64
	MaxSizeBytes   int64
}

func (e *MaxSizeReachedError) Error() string {
	return fmt.Sprintf("tree cache: reservation of %d bytes exceeds max_cache_size_bytes=%d even after eviction", e.RequestedBytes, e.MaxSizeBytes)
}

// defaultLargeDirectoryNames and defaultSkipCacheNames are the spec §4.5
// defaults for directories whose contents are never cached as a unit.
var (
	defaultLargeDirectoryNames = []string{"engine", "external"}
	defaultSkipCacheNames      = []string{"bazel-out"}
)

type buildFuture struct {
	done chan struct{}
	err  error
	data *treedata.DirectoryData
}

func newBuildFuture() *buildFuture { return &buildFuture{done: make(chan struct{})} }

func (f *buildFuture) finish(dd *treedata.DirectoryData, err error) {
	f.data, f.err = dd, err
	close(f.done)
}

func (f *buildFuture) wait() (*treedata.DirectoryData, error) {
	<-f.done
	return f.data, f.err
}

// Cache is the directory tree cache described by spec §4.5.
type Cache struct {
	root string

	backend    *cas.Client
	dirBlobLRU *directorycache.Cache
	blobCache  *blobcache.Cache
	pool       *workerpool.Pool
	locks      *pathlock.Registry
	logger     *logging.Logger
	recorder   metrics.Recorder

	instanceName string

	largeDirectoryNames map[string]bool
	skipCacheNames      map[string]bool
	hardlinkMode        bool

	maxSizeBytes int64

	guard       sync.Mutex
	order       *list.List // of name_in_cache, MRU at back
	elements    map[string]*list.Element
	cached      map[string]*treedata.DirectoryData
	pending     map[string]*buildFuture
	fileCount   map[string]int
	currentSize int64
}

// Options configure a new Cache.
type Options struct {
	Root                string
	Backend             *cas.Client
	InstanceName        string
	DirectoryBlobCache  *directorycache.Cache
	BlobCache           *blobcache.Cache
	Pool                *workerpool.Pool
	Locks               *pathlock.Registry
	Logger              *logging.Logger
	Recorder            metrics.Recorder
	MaxCacheSizeBytes   int64
	HardlinkMode        bool
	LargeDirectoryNames []string
	SkipCacheNames      []string
}

// New constructs a Cache. Callers must call Init before first use.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("tree cache root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create tree cache root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.RootLogger
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop
	}

	large := opts.LargeDirectoryNames
	if large == nil {
		large = defaultLargeDirectoryNames
	}
	skip := opts.SkipCacheNames
	if skip == nil {
		skip = defaultSkipCacheNames
	}

	c := &Cache{
		root:                opts.Root,
		backend:             opts.Backend,
		dirBlobLRU:          opts.DirectoryBlobCache,
		blobCache:           opts.BlobCache,
		pool:                opts.Pool,
		locks:               opts.Locks,
		logger:              logger.Sublogger("treecache"),
		recorder:            recorder,
		instanceName:        opts.InstanceName,
		largeDirectoryNames: toSet(large),
		skipCacheNames:      toSet(skip),
		hardlinkMode:        opts.HardlinkMode,
		maxSizeBytes:        opts.MaxCacheSizeBytes,
		order:               list.New(),
		elements:            make(map[string]*list.Element),
		cached:              make(map[string]*treedata.DirectoryData),
		pending:             make(map[string]*buildFuture),
		fileCount:           make(map[string]int),
	}
	if c.hardlinkMode {
		// fileCount accounting is meaningful only in hardlink mode; in copy
		// mode every file is charged at its full size on every subtree.
		c.fileCount = make(map[string]int)
	} else {
		c.fileCount = nil
	}
	return c, nil
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func nameForChecksum(d digest.Digest) string {
	return fmt.Sprintf("%s_%d", d.Hash, d.SizeBytes)
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.root, name)
}

func (c *Cache) touch(name string) {
	if el, ok := c.elements[name]; ok {
		c.order.MoveToBack(el)
		return
	}
	c.elements[name] = c.order.PushBack(name)
}

func (c *Cache) removeFromOrder(name string) {
	if el, ok := c.elements[name]; ok {
		c.order.Remove(el)
		delete(c.elements, name)
	}
}

func (c *Cache) insertionOrderNames() []string {
	names := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		names = append(names, el.Value.(string))
	}
	return names
}

// CurrentSizeBytes returns the sum of cached-plus-pending reservation bytes.
func (c *Cache) CurrentSizeBytes() int64 {
	c.guard.Lock()
	defer c.guard.Unlock()
	return c.currentSize
}

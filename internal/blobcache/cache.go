// Package blobcache is the file layer of the worker's two-tier cache: a
// disk-resident, size-bounded pool of content-addressed blobs that the
// directory tree cache links or copies into materialized build directories.
package blobcache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/fsutil"
	"github.com/buildbarn-worker/localcache/internal/logging"
	"github.com/buildbarn-worker/localcache/internal/metrics"
	"github.com/buildbarn-worker/localcache/internal/pathlock"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

// MaxSizeReachedError is returned when a requested reservation cannot be
// satisfied even after evicting every eligible entry.
type MaxSizeReachedError struct {
	RequestedBytes int64
	MaxSizeBytes   int64
}

func (e *MaxSizeReachedError) Error() string {
	return fmt.Sprintf("blob cache: reservation of %d bytes exceeds max_cache_size_bytes=%d even after eviction", e.RequestedBytes, e.MaxSizeBytes)
}

// FileCacheInfo is the stat snapshot used to detect tampering without
// recomputing a SHA-256 on every fetch_to call.
type FileCacheInfo struct {
	Size    int64
	ModTime int64 // UnixNano
	Mode    os.FileMode
}

func statInfo(fi os.FileInfo) FileCacheInfo {
	return FileCacheInfo{Size: fi.Size(), ModTime: fi.ModTime().UnixNano(), Mode: fi.Mode()}
}

func (i FileCacheInfo) matches(fi os.FileInfo) bool {
	return i.Size == fi.Size() && i.ModTime == fi.ModTime().UnixNano() && i.Mode == fi.Mode()
}

// download is the completion future registered in pending while a batch is
// in flight; every digest in the batch shares the same future.
type download struct {
	done chan struct{}
	err  error
}

func newDownload() *download { return &download{done: make(chan struct{})} }

func (d *download) finish(err error) {
	d.err = err
	close(d.done)
}

func (d *download) wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cache is the file-layer blob cache described by spec §4.4.
type Cache struct {
	root string

	backend       *cas.Client
	pool          *workerpool.Pool
	locks         *pathlock.Registry
	logger        *logging.Logger
	recorder      metrics.Recorder
	batchLimit    int64
	maxSizeBytes  int64
	copyNotLink   bool

	guard       sync.Mutex
	order       *list.List // of string names, MRU at back
	elements    map[string]*list.Element
	tracked     map[string]FileCacheInfo
	pending     map[string]*download
	currentSize int64
}

// Options configure a new Cache.
type Options struct {
	Root                string
	Backend             *cas.Client
	Pool                *workerpool.Pool
	Locks               *pathlock.Registry
	Logger              *logging.Logger
	Recorder            metrics.Recorder
	DownloadBatchBytes  int64
	MaxCacheSizeBytes   int64
	CopyInsteadOfLink   bool
}

// New constructs a Cache. Callers must call Init before first use to
// reconcile in-memory state with whatever is already on disk.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("blob cache root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob cache root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.RootLogger
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop
	}
	return &Cache{
		root:         opts.Root,
		backend:      opts.Backend,
		pool:         opts.Pool,
		locks:        opts.Locks,
		logger:       logger.Sublogger("blobcache"),
		recorder:     recorder,
		batchLimit:   opts.DownloadBatchBytes,
		maxSizeBytes: opts.MaxCacheSizeBytes,
		copyNotLink:  opts.CopyInsteadOfLink,
		order:        list.New(),
		elements:     make(map[string]*list.Element),
		tracked:      make(map[string]FileCacheInfo),
		pending:      make(map[string]*download),
	}, nil
}

// CurrentSizeBytes returns the sum of tracked-plus-pending sizes.
func (c *Cache) CurrentSizeBytes() int64 {
	c.guard.Lock()
	defer c.guard.Unlock()
	return c.currentSize
}

func nameFor(d digest.Digest) string {
	return fmt.Sprintf("%s_%d", d.Hash, d.SizeBytes)
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.root, name)
}

// touch moves name to the most-recently-used end of the eviction order.
// Caller must hold c.guard.
func (c *Cache) touch(name string) {
	if el, ok := c.elements[name]; ok {
		c.order.MoveToBack(el)
		return
	}
	c.elements[name] = c.order.PushBack(name)
}

// removeFromOrder drops name from the eviction order entirely. Caller must
// hold c.guard.
func (c *Cache) removeFromOrder(name string) {
	if el, ok := c.elements[name]; ok {
		c.order.Remove(el)
		delete(c.elements, name)
	}
}

// lruCandidates returns every name in the eviction order, least-recently-used
// first. Caller must hold c.guard.
func (c *Cache) lruCandidates() []string {
	names := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		names = append(names, el.Value.(string))
	}
	return names
}

func hardlinkOrCopy(src, dst string, copyNotLink bool) error {
	return fsutil.LinkOrCopyFile(src, dst, copyNotLink)
}

package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/fsutil"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// linkStatus is the outcome of attempting to satisfy one requested file from
// whatever is already on disk.
type linkStatus int

const (
	linkDone linkStatus = iota
	linkNeedsDownload
)

// FetchTo materializes files into targetDir, downloading whatever is not
// already cached. It implements the link/plan/I-O/re-link algorithm from
// spec §4.4.
func (c *Cache) FetchTo(ctx context.Context, files []treedata.FileNode, targetDir string) error {
	remaining, err := c.linkPhase(files, targetDir)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}

	futures, err := c.planPhase(ctx, remaining)
	if err != nil {
		return err
	}

	for _, f := range futures {
		if err := f.wait(ctx); err != nil {
			return fmt.Errorf("blob cache: download failed: %w", err)
		}
	}

	// Re-link phase: the files that needed downloading should now be on
	// disk; link them in.
	stillRemaining, err := c.linkPhase(remaining, targetDir)
	if err != nil {
		return err
	}
	if len(stillRemaining) > 0 {
		names := make([]string, 0, len(stillRemaining))
		for _, f := range stillRemaining {
			names = append(names, f.Name)
		}
		return fmt.Errorf("blob cache: file(s) still missing from target directory after download: %v", names)
	}
	return nil
}

// linkPhase attempts to satisfy each file node from the on-disk cache,
// returning the subset that still need downloading.
func (c *Cache) linkPhase(files []treedata.FileNode, targetDir string) ([]treedata.FileNode, error) {
	var needDownload []treedata.FileNode

	for _, f := range files {
		name := nameFor(f.Digest)
		handle := c.locks.Acquire(name)
		status, err := c.linkOne(f, name, targetDir)
		handle.Release()
		if err != nil {
			return nil, err
		}
		if status == linkNeedsDownload {
			needDownload = append(needDownload, f)
		}
	}
	return needDownload, nil
}

// linkOne runs with name's per-path lock already held by the caller
// (linkPhase). The c.guard critical sections below are nested inside that
// per-path lock, which is one of the places (with finalizePublishedFile and
// treecache's publishOne) where spec §5's "global guard before per-path
// lock" ordering is inverted in this codebase: every such section
// here is a short map mutation that never itself blocks on a per-path lock
// or I/O, so it cannot be one half of an AB-BA cycle (see SPEC_FULL.md §5).
func (c *Cache) linkOne(f treedata.FileNode, name, targetDir string) (linkStatus, error) {
	src := c.path(name)
	fi, statErr := os.Stat(src)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return linkNeedsDownload, nil
		}
		return 0, fmt.Errorf("blob cache: stat %s: %w", src, statErr)
	}

	c.guard.Lock()
	info, tracked := c.tracked[name]
	c.guard.Unlock()

	if !tracked || !info.matches(fi) {
		// Corrupted or untracked on-disk entry: remove and redownload.
		c.guard.Lock()
		if tracked {
			delete(c.tracked, name)
			c.removeFromOrder(name)
			c.currentSize -= info.Size
		}
		c.guard.Unlock()
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("blob cache: remove corrupted entry %s: %w", src, err)
		}
		c.logger.Warnf("evicting corrupted cache entry %s", name)
		return linkNeedsDownload, nil
	}

	dst := filepath.Join(targetDir, f.Name)
	if err := hardlinkOrCopy(src, dst, c.copyNotLink); err != nil {
		return 0, fmt.Errorf("blob cache: link %s to %s: %w", src, dst, err)
	}

	c.guard.Lock()
	c.touch(name)
	c.guard.Unlock()

	return linkDone, nil
}

// planPhase is the global critical section that decides, for each digest
// needing download, whether to wait on an in-flight future, reuse a
// just-became-tracked entry, or schedule a new download batch. It returns
// one future per digest, deduplicated across shared batches.
func (c *Cache) planPhase(ctx context.Context, files []treedata.FileNode) ([]*download, error) {
	byDigest := make(map[digest.Digest]treedata.FileNode, len(files))
	for _, f := range files {
		byDigest[f.Digest] = f
	}

	var toSchedule []digest.Digest
	futures := make(map[digest.Digest]*download)

	c.guard.Lock()
	for d := range byDigest {
		name := nameFor(d)
		if _, ok := c.tracked[name]; ok {
			c.touch(name)
			continue
		}
		if fut, ok := c.pending[name]; ok {
			futures[d] = fut
			continue
		}
		if c.maxSizeBytes > 0 && d.SizeBytes > c.maxSizeBytes {
			c.guard.Unlock()
			return nil, &MaxSizeReachedError{RequestedBytes: d.SizeBytes, MaxSizeBytes: c.maxSizeBytes}
		}
		toSchedule = append(toSchedule, d)
	}

	var reserveTotal int64
	for _, d := range toSchedule {
		reserveTotal += d.SizeBytes
	}

	if c.maxSizeBytes > 0 && c.currentSize+reserveTotal > c.maxSizeBytes {
		deficit := c.currentSize + reserveTotal - c.maxSizeBytes
		var evicted []string
		for _, name := range c.lruCandidates() {
			if deficit <= 0 {
				break
			}
			info := c.tracked[name]
			evicted = append(evicted, name)
			deficit -= info.Size
		}
		if deficit > 0 {
			c.guard.Unlock()
			return nil, &MaxSizeReachedError{RequestedBytes: reserveTotal, MaxSizeBytes: c.maxSizeBytes}
		}
		var evictedBytes int64
		for _, name := range evicted {
			info := c.tracked[name]
			delete(c.tracked, name)
			c.removeFromOrder(name)
			c.currentSize -= info.Size
			evictedBytes += info.Size
		}
		if evictedBytes > 0 {
			c.recorder.ObserveSize("blobcache_eviction_bytes", evictedBytes)
		}
		defer c.removeEvictedFiles(evicted)
	}

	batches := partitionDigests(toSchedule, c.batchLimit)
	var batchFutures []*download
	for _, batch := range batches {
		fut := newDownload()
		for _, d := range batch {
			c.pending[nameFor(d)] = fut
		}
		var size int64
		for _, d := range batch {
			size += d.SizeBytes
		}
		c.currentSize += size
		c.recorder.ObserveSize("blobcache_reservation_bytes", size)
		futures[batch[0]] = fut
		for _, d := range batch[1:] {
			futures[d] = fut
		}
		batchFutures = append(batchFutures, fut)
		c.scheduleBatch(ctx, batch, byDigest, fut)
	}
	c.recorder.ObserveSize("blobcache_current_size_bytes", c.currentSize)
	c.guard.Unlock()

	result := make([]*download, 0, len(futures))
	seen := make(map[*download]bool)
	for _, fut := range futures {
		if !seen[fut] {
			seen[fut] = true
			result = append(result, fut)
		}
	}
	return result, nil
}

func (c *Cache) removeEvictedFiles(names []string) {
	for _, name := range names {
		handle := c.locks.Acquire(name)
		_ = os.Remove(c.path(name))
		handle.Release()
	}
}

// scheduleBatch submits one download batch to the worker pool.
func (c *Cache) scheduleBatch(ctx context.Context, batch []digest.Digest, byDigest map[digest.Digest]treedata.FileNode, fut *download) {
	c.pool.Submit(func() error {
		err := c.downloadBatch(ctx, batch, byDigest)
		fut.finish(err)

		c.guard.Lock()
		for _, d := range batch {
			delete(c.pending, nameFor(d))
		}
		if err != nil {
			var size int64
			for _, d := range batch {
				size += d.SizeBytes
			}
			c.currentSize -= size
		}
		c.guard.Unlock()
		return err
	})
}

// downloadBatch fetches one scheduled batch. A batch containing a single
// digest at or above the stream threshold was partitioned that way because
// cas.Client itself would stream it (see partitionDigests); for those,
// publishStreamed writes the blob straight to its .tmp destination file
// while hashing incrementally, instead of going through FetchBatch's
// in-memory result map (spec §4.4 step 3). Everything else still goes
// through the batch RPC and is published from the returned []byte.
func (c *Cache) downloadBatch(ctx context.Context, batch []digest.Digest, byDigest map[digest.Digest]treedata.FileNode) error {
	if len(batch) == 1 && c.batchLimit > 0 && batch[0].SizeBytes >= c.batchLimit {
		d := batch[0]
		return c.publishStreamed(ctx, d, byDigest[d].IsExecutable)
	}

	blobs, err := c.backend.FetchBatch(ctx, batch)
	if err != nil {
		return err
	}
	for _, d := range batch {
		data, ok := blobs[d]
		if !ok {
			return fmt.Errorf("blob cache: digest %s missing from fetch response", d)
		}
		if err := c.publish(d, data, byDigest[d].IsExecutable); err != nil {
			return err
		}
	}
	return nil
}

// publish verifies downloaded data against its digest, writes it to a .tmp
// file, then atomically renames it into place and records FileCacheInfo.
func (c *Cache) publish(d digest.Digest, data []byte, executable bool) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != d.Hash || int64(len(data)) != d.SizeBytes {
		return fmt.Errorf("blob cache: downloaded data for %s failed verification", d)
	}

	name := nameFor(d)
	tmp := c.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blob cache: write %s: %w", tmp, err)
	}
	return c.finalizePublishedFile(name, tmp, executable)
}

// publishStreamed handles a digest large enough that cas.Client streams it:
// it reads the blob directly into name's .tmp file while hashing as bytes
// arrive, rather than buffering the whole blob in memory the way publish's
// caller (FetchBatch) does for batched blobs (spec §4.4 step 3).
func (c *Cache) publishStreamed(ctx context.Context, d digest.Digest, executable bool) error {
	name := nameFor(d)
	tmp := c.path(name) + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("blob cache: create %s: %w", tmp, err)
	}
	hasher := sha256.New()
	streamErr := c.backend.FetchStreamTo(ctx, d, io.MultiWriter(f, hasher))
	closeErr := f.Close()
	if streamErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("blob cache: stream %s: %w", d, streamErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("blob cache: close %s: %w", tmp, closeErr)
	}

	fi, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blob cache: stat %s: %w", tmp, err)
	}
	if fi.Size() != d.SizeBytes || hex.EncodeToString(hasher.Sum(nil)) != d.Hash {
		os.Remove(tmp)
		return fmt.Errorf("blob cache: streamed data for %s failed verification", d)
	}

	return c.finalizePublishedFile(name, tmp, executable)
}

// finalizePublishedFile renames tmp into its final on-disk location, chmods
// it per spec §4.4's read-only/executable rule, and records FileCacheInfo.
func (c *Cache) finalizePublishedFile(name, tmp string, executable bool) error {
	final := c.path(name)

	handle := c.locks.Acquire(name)
	defer handle.Release()

	_ = os.Remove(final)
	if err := fsutil.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("blob cache: publish %s: %w", name, err)
	}
	if err := fsutil.SetFileReadOnly(final, executable); err != nil {
		return fmt.Errorf("blob cache: chmod %s: %w", name, err)
	}

	fi, err := os.Stat(final)
	if err != nil {
		return fmt.Errorf("blob cache: stat published %s: %w", name, err)
	}

	// Recording FileCacheInfo while still holding name's per-path lock (spec
	// §4.4 step 3) is intentional: see the lock-ordering note on linkOne.
	c.guard.Lock()
	c.tracked[name] = statInfo(fi)
	c.touch(name)
	c.guard.Unlock()

	return nil
}

// partitionDigests groups digests into batches bounded by maxTotalBytes,
// with any digest at or above the limit becoming its own batch.
func partitionDigests(digests []digest.Digest, maxTotalBytes int64) [][]digest.Digest {
	if len(digests) == 0 {
		return nil
	}
	var batches [][]digest.Digest
	var current []digest.Digest
	var currentSize int64
	for _, d := range digests {
		if maxTotalBytes > 0 && d.SizeBytes >= maxTotalBytes {
			if len(current) > 0 {
				batches = append(batches, current)
				current = nil
				currentSize = 0
			}
			batches = append(batches, []digest.Digest{d})
			continue
		}
		if len(current) > 0 && maxTotalBytes > 0 && currentSize+d.SizeBytes > maxTotalBytes {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
		current = append(current, d)
		currentSize += d.SizeBytes
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}


package treecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/treedata"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

var cacheEntryPattern = regexp.MustCompile(`^([0-9a-f]{64})_([0-9]+)$`)

// Init reconciles in-memory state with whatever is already published on
// disk, per spec §4.5's startup verification: non-conforming names are
// deleted, conforming names are re-verified by recomputing their structural
// checksum from the on-disk tree, and writable survivors are rejected. The
// walk is parallelized across the worker pool.
func (c *Cache) Init() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}

	type result struct {
		name string
		data *treedata.DirectoryData
		ok   bool
	}
	results := make(chan result, len(entries))
	var futures []*workerpool.Future

	for _, entry := range entries {
		entry := entry
		name := entry.Name()

		if filepath.Ext(name) == ".tmp" || !entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(c.root, name))
			continue
		}
		m := cacheEntryPattern.FindStringSubmatch(name)
		if m == nil {
			_ = os.RemoveAll(filepath.Join(c.root, name))
			continue
		}

		futures = append(futures, c.pool.Submit(func() error {
			dd, writable, err := verifyTree(filepath.Join(c.root, name))
			if err != nil || writable {
				_ = os.RemoveAll(filepath.Join(c.root, name))
				results <- result{name: name, ok: false}
				return nil
			}
			checksum := dd.StructuralChecksum()
			if nameForChecksum(checksum) != name {
				_ = os.RemoveAll(filepath.Join(c.root, name))
				results <- result{name: name, ok: false}
				return nil
			}
			results <- result{name: name, data: dd, ok: true}
			return nil
		}))
	}

	for _, fut := range futures {
		_ = fut.Wait()
	}
	close(results)

	var total int64
	c.guard.Lock()
	for r := range results {
		if !r.ok {
			continue
		}
		c.cached[r.name] = r.data
		c.touch(r.name)
		if c.fileCount != nil {
			var walk func(dd *treedata.DirectoryData)
			walk = func(dd *treedata.DirectoryData) {
				for _, f := range dd.Files {
					c.fileCount[nameForChecksum(f.Digest)]++
				}
				for _, sub := range dd.Subdirs {
					walk(sub)
				}
			}
			walk(r.data)
		}
	}
	for name := range c.cached {
		total += c.sizeOf(name)
	}
	c.currentSize = total
	c.guard.Unlock()

	return nil
}

// verifyTree walks an on-disk directory tree, recomputing its DirectoryData
// (and, as a byproduct, its structural checksum) and reporting whether any
// node along the way is writable.
func verifyTree(root string) (*treedata.DirectoryData, bool, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, false, err
	}
	if fi.Mode().Perm()&0o222 != 0 {
		return nil, true, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, false, err
	}

	dd := treedata.NewDirectoryData()
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() {
			child, writable, err := verifyTree(path)
			if err != nil {
				return nil, false, err
			}
			if writable {
				return nil, true, nil
			}
			dd.Subdirs[entry.Name()] = child
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, false, err
		}
		if info.Mode().Perm()&0o222 != 0 {
			return nil, true, nil
		}
		hash, size, err := hashFile(path)
		if err != nil {
			return nil, false, err
		}
		dd.Files[entry.Name()] = treedata.FileNode{
			Name:         entry.Name(),
			Digest:       newDigest(hash, size),
			IsExecutable: info.Mode().Perm()&0o111 != 0,
		}
	}

	return dd, false, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func newDigest(hash string, size int64) digest.Digest {
	return digest.Digest{Hash: hash, SizeBytes: size}
}

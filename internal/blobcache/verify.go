package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var entryNamePattern = regexp.MustCompile(`^([0-9a-f]{64})_([0-9]+)$`)

type survivingEntry struct {
	name string
	info FileCacheInfo
	atime int64
}

// Init reconciles in-memory state with whatever is already on disk,
// implementing the startup verification described in spec §4.4: remove
// non-conforming entries, verify hash/size/permissions of the rest, and
// evict by oldest access time if the surviving total exceeds the bound.
func (c *Cache) Init() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}

	var surviving []survivingEntry
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(c.root, name))
			continue
		}
		m := entryNamePattern.FindStringSubmatch(name)
		if m == nil {
			_ = os.Remove(filepath.Join(c.root, name))
			continue
		}
		declaredSize, _ := strconv.ParseInt(m[2], 10, 64)

		path := filepath.Join(c.root, name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		snapshot := statInfo(fi)
		at := accessTime(fi)

		if fi.Mode().Perm()&0o222 != 0 {
			_ = os.Remove(path)
			continue
		}
		if fi.Size() != declaredSize {
			_ = os.Remove(path)
			continue
		}
		if !verifyHash(path, m[1]) {
			_ = os.Remove(path)
			continue
		}

		surviving = append(surviving, survivingEntry{name: name, info: snapshot, atime: at})
	}

	sort.Slice(surviving, func(i, j int) bool { return surviving[i].atime < surviving[j].atime })

	var total int64
	for _, e := range surviving {
		total += e.info.Size
	}

	cut := 0
	if c.maxSizeBytes > 0 {
		for total > c.maxSizeBytes && cut < len(surviving) {
			total -= surviving[cut].info.Size
			_ = os.Remove(filepath.Join(c.root, surviving[cut].name))
			cut++
		}
	}

	c.guard.Lock()
	for _, e := range surviving[cut:] {
		c.tracked[e.name] = e.info
		c.touch(e.name)
	}
	c.currentSize = total
	c.guard.Unlock()

	return nil
}

func verifyHash(path, declaredHash string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == declaredHash
}

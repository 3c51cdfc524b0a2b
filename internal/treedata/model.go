// Package treedata implements the data model shared by the directory-blob
// cache and the directory tree cache: file nodes, wire-format directory
// nodes, and the recursively-resolved DirectoryData structure with its
// structural checksum (spec §3).
package treedata

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/buildbarn-worker/localcache/internal/digest"
)

// FileNode is a single file entry within a directory.
type FileNode struct {
	Name         string
	Digest       digest.Digest
	IsExecutable bool
}

// DirectoryNode references a child directory by its upstream wire digest
// (the digest of that child's serialized directory message).
type DirectoryNode struct {
	Name   string
	Digest digest.Digest
}

// Directory is the as-transmitted form of a single directory level: an
// ordered list of files and an ordered list of child directory references.
// This is what the upstream store's wire digest identifies.
type Directory struct {
	Files       []FileNode
	Directories []DirectoryNode
}

// DirectoryData is the recursively resolved form of a directory subtree: its
// files by name and its subdirectories by name, each already resolved to its
// own DirectoryData. It is the core internal structure from spec §3.
type DirectoryData struct {
	Files   map[string]FileNode
	Subdirs map[string]*DirectoryData

	checksum     digest.Digest
	checksumSet  bool
}

// NewDirectoryData creates an empty, mutable DirectoryData. Callers should
// populate Files/Subdirs and then call StructuralChecksum once, after which
// the value should be treated as immutable (cache entries are shared across
// concurrent readers).
func NewDirectoryData() *DirectoryData {
	return &DirectoryData{
		Files:   make(map[string]FileNode),
		Subdirs: make(map[string]*DirectoryData),
	}
}

// StructuralChecksum computes (and memoizes) the structural checksum digest
// described in spec §3: a SHA-256 over a canonical serialization listing
// files in name-sorted order (digest + executable bit) and subdirectories in
// name-sorted order (each referencing the child's own structural checksum,
// not its wire digest).
func (d *DirectoryData) StructuralChecksum() digest.Digest {
	if d.checksumSet {
		return d.checksum
	}

	names := make([]string, 0, len(d.Files))
	for name := range d.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	subdirNames := make([]string, 0, len(d.Subdirs))
	for name := range d.Subdirs {
		subdirNames = append(subdirNames, name)
	}
	sort.Strings(subdirNames)

	h := &countingHash{hashWriter: sha256.New()}
	var sizeBuf [8]byte

	for _, name := range names {
		f := d.Files[name]
		writeLengthPrefixed(h, []byte(name))
		writeLengthPrefixed(h, []byte(f.Digest.Hash))
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(f.Digest.SizeBytes))
		h.Write(sizeBuf[:])
		if f.IsExecutable {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	for _, name := range subdirNames {
		child := d.Subdirs[name]
		childChecksum := child.StructuralChecksum()
		writeLengthPrefixed(h, []byte(name))
		writeLengthPrefixed(h, []byte(childChecksum.Hash))
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(childChecksum.SizeBytes))
		h.Write(sizeBuf[:])
	}

	sum := h.Sum(nil)
	d.checksum = digest.Digest{Hash: hexEncode(sum), SizeBytes: h.n}
	d.checksumSet = true
	return d.checksum
}

// countingHash wraps a hash.Hash to additionally track the total number of
// bytes written, which becomes the structural checksum's reported size (the
// length of the canonical serialized message, per spec §3 — not the length
// of the SHA-256 sum, which is always 32).
type countingHash struct {
	hashWriter
	n int64
}

type hashWriter interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
}

func (c *countingHash) Write(p []byte) (int, error) {
	n, err := c.hashWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func writeLengthPrefixed(h interface{ Write([]byte) (int, error) }, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

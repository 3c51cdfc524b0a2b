// Package digest implements the content-addressing primitive shared by the
// blob cache and the directory tree cache: a SHA-256 hash paired with a byte
// length.
package digest

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	ocidigest "github.com/opencontainers/go-digest"
)

// Digest pairs a SHA-256 hash with the size, in bytes, of the content it
// identifies. Two digests are equal iff both fields match.
type Digest struct {
	// Hash is the 64-character lowercase hexadecimal SHA-256 digest of the
	// content.
	Hash string
	// SizeBytes is the length, in bytes, of the content.
	SizeBytes int64
}

// ErrInvalid is returned when a digest fails validation.
var ErrInvalid = errors.New("invalid digest")

// New constructs a Digest, validating the hash's shape.
func New(hash string, sizeBytes int64) (Digest, error) {
	d := Digest{Hash: hash, SizeBytes: sizeBytes}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Validate checks that the digest's hash is a well-formed SHA-256 hex digest
// and that its size is non-negative.
func (d Digest) Validate() error {
	if d.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	// Delegate hex-shape validation to the canonical digest package, which
	// already encodes "lowercase hex of the expected length for the
	// algorithm" as its validation rule.
	if err := ocidigest.NewDigestFromEncoded(ocidigest.SHA256, d.Hash).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// String renders the digest in the "{hash}_{size}" form used for on-disk
// cache filenames (spec §3).
func (d Digest) String() string {
	return d.Hash + "_" + strconv.FormatInt(d.SizeBytes, 10)
}

// Parse parses a "{hash}_{size}" cache filename back into a Digest.
func Parse(name string) (Digest, error) {
	sep := strings.LastIndexByte(name, '_')
	if sep < 0 {
		return Digest{}, fmt.Errorf("%w: missing separator in %q", ErrInvalid, name)
	}
	size, err := strconv.ParseInt(name[sep+1:], 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: bad size in %q: %v", ErrInvalid, name, err)
	}
	return New(name[:sep], size)
}

// FromReader computes the Digest of all data read from r.
func FromReader(r io.Reader) (Digest, error) {
	d, err := ocidigest.SHA256.FromReader(r)
	if err != nil {
		return Digest{}, err
	}
	// FromReader doesn't report the byte count directly, so we can't derive
	// SizeBytes from it alone; callers that need a paired size should use
	// NewHasher instead. FromReader is retained for callers that already know
	// (and will separately verify) the size.
	return Digest{Hash: d.Encoded()}, nil
}

// Hasher incrementally computes a Digest from streamed writes, tracking size
// alongside the running hash. It implements io.Writer.
type Hasher struct {
	digester ocidigest.Digester
	size     int64
}

// NewHasher creates a new Hasher.
func NewHasher() *Hasher {
	return &Hasher{digester: ocidigest.SHA256.Digester()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.digester.Hash().Write(p)
	h.size += int64(n)
	return n, err
}

// Sum returns the Digest of all data written so far.
func (h *Hasher) Sum() Digest {
	return Digest{Hash: h.digester.Digest().Encoded(), SizeBytes: h.size}
}

// Reset clears the hasher for reuse.
func (h *Hasher) Reset() {
	h.digester = ocidigest.SHA256.Digester()
	h.size = 0
}

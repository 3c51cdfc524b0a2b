package digest

import (
	"strings"
	"testing"
)

const validHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestNewValidatesHashShape(t *testing.T) {
	if _, err := New(validHash, 10); err != nil {
		t.Fatalf("expected valid digest to construct, got %v", err)
	}
	if _, err := New("not-hex", 10); err == nil {
		t.Fatalf("expected malformed hash to be rejected")
	}
	if _, err := New(validHash, -1); err == nil {
		t.Fatalf("expected negative size to be rejected")
	}
}

func TestStringAndParseRoundTrip(t *testing.T) {
	d, err := New(validHash, 1234)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	name := d.String()
	if !strings.HasSuffix(name, "_1234") {
		t.Fatalf("expected name to end with _1234, got %q", name)
	}

	parsed, err := Parse(name)
	if err != nil {
		t.Fatalf("Parse(%q): %v", name, err)
	}
	if parsed != d {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", parsed, d)
	}
}

func TestParseRejectsMissingSeparator(t *testing.T) {
	if _, err := Parse(validHash); err == nil {
		t.Fatalf("expected parse to fail without a separator")
	}
}

func TestParseRejectsBadSize(t *testing.T) {
	if _, err := Parse(validHash + "_notanumber"); err == nil {
		t.Fatalf("expected parse to fail with a non-numeric size")
	}
}

func TestHasherTracksSizeAlongsideHash(t *testing.T) {
	h := NewHasher()
	data := []byte("hello, world")
	if _, err := h.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sum := h.Sum()
	if sum.SizeBytes != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), sum.SizeBytes)
	}

	ref, err := FromReader(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if ref.Hash != sum.Hash {
		t.Fatalf("hash mismatch between Hasher and FromReader: %q vs %q", sum.Hash, ref.Hash)
	}
}

func TestHasherResetClearsState(t *testing.T) {
	h := NewHasher()
	h.Write([]byte("first"))
	first := h.Sum()
	h.Reset()
	h.Write([]byte("first"))
	second := h.Sum()
	if first != second {
		t.Fatalf("expected identical input after reset to produce identical digest: %+v vs %+v", first, second)
	}
}

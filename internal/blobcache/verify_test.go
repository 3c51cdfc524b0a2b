package blobcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildbarn-worker/localcache/internal/treedata"
)

func TestInitRecoversPreviouslyPublishedEntries(t *testing.T) {
	backend := newFakeBackend()
	d := backend.put([]byte("persisted"))

	c := newTestCache(t, backend, 0)
	if err := c.FetchTo(context.Background(), []treedata.FileNode{{Name: "f", Digest: d}}, t.TempDir()); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	// A fresh Cache instance pointed at the same root, as if the process
	// had restarted, must recover the entry during Init without a backend
	// round-trip.
	fresh, err := New(Options{Root: c.root, MaxCacheSizeBytes: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fresh.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := fresh.CurrentSizeBytes(); got != int64(len("persisted")) {
		t.Fatalf("expected recovered size %d, got %d", len("persisted"), got)
	}
}

func TestInitEvictsEntriesWithWrongSize(t *testing.T) {
	root := t.TempDir()
	// A file whose name declares size 999 but whose actual content is much
	// shorter is a tampered/corrupt entry and must be dropped.
	name := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855_999"
	if err := os.WriteFile(filepath.Join(root, name), []byte("short"), 0o444); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := New(Options{Root: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
		t.Fatalf("expected the mismatched-size entry to be removed during Init")
	}
	if got := c.CurrentSizeBytes(); got != 0 {
		t.Fatalf("expected CurrentSizeBytes 0 after dropping the bad entry, got %d", got)
	}
}

func TestInitRemovesEntriesWithMalformedNames(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "not-a-valid-entry-name"), []byte("x"), 0o444); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c, err := New(Options{Root: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "not-a-valid-entry-name")); !os.IsNotExist(err) {
		t.Fatalf("expected the malformed-name entry to be removed during Init")
	}
}

func TestInitEnforcesMaxSizeByEvictingOldest(t *testing.T) {
	backend := newFakeBackend()
	a := backend.put([]byte("aaaaaaaaaa"))
	b := backend.put([]byte("bbbbbbbbbb"))

	c := newTestCache(t, backend, 0)
	if err := c.FetchTo(context.Background(), []treedata.FileNode{{Name: "a", Digest: a}}, t.TempDir()); err != nil {
		t.Fatalf("fetch a: %v", err)
	}
	if err := c.FetchTo(context.Background(), []treedata.FileNode{{Name: "b", Digest: b}}, t.TempDir()); err != nil {
		t.Fatalf("fetch b: %v", err)
	}

	fresh, err := New(Options{Root: c.root, MaxCacheSizeBytes: 15})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fresh.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := fresh.CurrentSizeBytes(); got > 15 {
		t.Fatalf("expected Init to evict down to the configured budget, got %d", got)
	}
}

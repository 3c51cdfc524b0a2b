package materializer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildbarn-worker/localcache/internal/blobcache"
	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/metrics"
	"github.com/buildbarn-worker/localcache/internal/pathlock"
	"github.com/buildbarn-worker/localcache/internal/treecache"
	"github.com/buildbarn-worker/localcache/internal/treedata"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

type fakeBackend struct {
	blobs map[digest.Digest][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{blobs: make(map[digest.Digest][]byte)} }

func (b *fakeBackend) putBytes(data []byte) digest.Digest {
	sum := sha256.Sum256(data)
	d := digest.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))}
	b.blobs[d] = data
	return d
}

func (b *fakeBackend) putDirectory(dir treedata.Directory) digest.Digest {
	data, err := json.Marshal(dir)
	if err != nil {
		panic(err)
	}
	return b.putBytes(data)
}

func (b *fakeBackend) BatchReadBlobs(ctx context.Context, req cas.BatchReadBlobsRequest) (cas.BatchReadBlobsResponse, error) {
	var resp cas.BatchReadBlobsResponse
	for _, d := range req.Digests {
		data, ok := b.blobs[d]
		if !ok {
			resp.Results = append(resp.Results, cas.BlobReadResult{Digest: d, Err: os.ErrNotExist})
			continue
		}
		resp.Results = append(resp.Results, cas.BlobReadResult{Digest: d, Data: data})
	}
	return resp, nil
}

func (b *fakeBackend) BatchUpdateBlobs(ctx context.Context, req cas.BatchUpdateBlobsRequest) (cas.BatchUpdateBlobsResponse, error) {
	var resp cas.BatchUpdateBlobsResponse
	for _, r := range req.Requests {
		b.blobs[r.Digest] = r.Data
		resp.Results = append(resp.Results, cas.BlobUpdateResult{Digest: r.Digest})
	}
	return resp, nil
}

func (b *fakeBackend) ReadStream(ctx context.Context, instanceName string, req cas.BlobRequest) (io.ReadCloser, error) {
	data, ok := b.blobs[req.Digest]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(&sliceReader{data: data}), nil
}

func (b *fakeBackend) WriteStream(ctx context.Context, instanceName string, req cas.BlobRequest, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.blobs[req.Digest] = buf
	return nil
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func newTestMaterializer(t *testing.T, recorder metrics.Recorder) (*Materializer, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	client := cas.NewClient(backend, "", 1<<20)
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	locks := pathlock.New()

	blobs, err := blobcache.New(blobcache.Options{
		Root:               filepath.Join(t.TempDir(), "blobs"),
		Backend:            client,
		Pool:               pool,
		Locks:              locks,
		DownloadBatchBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("blobcache.New: %v", err)
	}

	tree, err := treecache.New(treecache.Options{
		Root:      filepath.Join(t.TempDir(), "trees"),
		Backend:   client,
		BlobCache: blobs,
		Pool:      pool,
		Locks:     locks,
	})
	if err != nil {
		t.Fatalf("treecache.New: %v", err)
	}

	return New(tree, recorder), backend
}

func TestMaterializeSucceedsAndRecordsDuration(t *testing.T) {
	recorder := metrics.NewMovingAverages(10)
	m, backend := newTestMaterializer(t, recorder)

	d := backend.putBytes([]byte("content"))
	root := treedata.Directory{Files: []treedata.FileNode{{Name: "f.txt", Digest: d}}}

	target := t.TempDir()
	if err := m.Materialize(context.Background(), root, target); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(target, "f.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("unexpected content: %q", got)
	}

	if avg := recorder.AverageDuration("materialize_input_root"); avg < 0 {
		t.Fatalf("expected a non-negative recorded duration, got %v", avg)
	}
}

func TestMaterializeTranslatesMissingBlobsToPreconditionFailure(t *testing.T) {
	m, _ := newTestMaterializer(t, nil)

	missing := digest.Digest{Hash: "0000000000000000000000000000000000000000000000000000000000000000", SizeBytes: 4}
	root := treedata.Directory{
		Directories: []treedata.DirectoryNode{{Name: "missing", Digest: missing}},
	}

	err := m.Materialize(context.Background(), root, t.TempDir())
	if err == nil {
		t.Fatalf("expected a precondition failure for a missing directory blob")
	}
	pf, ok := err.(*PreconditionFailure)
	if !ok {
		t.Fatalf("expected *PreconditionFailure, got %T: %v", err, err)
	}
	if len(pf.Violations) != 1 {
		t.Fatalf("expected exactly one violation, got %+v", pf.Violations)
	}
	if pf.Violations[0].Type != "MISSING" {
		t.Fatalf("expected violation type MISSING, got %q", pf.Violations[0].Type)
	}
	wantSubject := "blobs/" + missing.Hash + "/4"
	if pf.Violations[0].Subject != wantSubject {
		t.Fatalf("expected subject %q, got %q", wantSubject, pf.Violations[0].Subject)
	}
}

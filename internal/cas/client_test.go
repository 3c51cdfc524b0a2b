package cas

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/buildbarn-worker/localcache/internal/digest"
)

type memBackend struct {
	blobs map[digest.Digest][]byte
	// failReadCalls is the number of upcoming BatchReadBlobs calls that fail
	// as a whole with a transient error (used to exercise retry).
	failReadCalls int
}

func (b *memBackend) BatchReadBlobs(ctx context.Context, req BatchReadBlobsRequest) (BatchReadBlobsResponse, error) {
	if b.failReadCalls > 0 {
		b.failReadCalls--
		return BatchReadBlobsResponse{}, errors.New("transient failure")
	}
	var resp BatchReadBlobsResponse
	for _, d := range req.Digests {
		data, ok := b.blobs[d]
		if !ok {
			resp.Results = append(resp.Results, BlobReadResult{Digest: d, Err: os.ErrNotExist})
			continue
		}
		resp.Results = append(resp.Results, BlobReadResult{Digest: d, Data: data})
	}
	return resp, nil
}

func (b *memBackend) BatchUpdateBlobs(ctx context.Context, req BatchUpdateBlobsRequest) (BatchUpdateBlobsResponse, error) {
	var resp BatchUpdateBlobsResponse
	for _, r := range req.Requests {
		if b.blobs == nil {
			b.blobs = make(map[digest.Digest][]byte)
		}
		b.blobs[r.Digest] = r.Data
		resp.Results = append(resp.Results, BlobUpdateResult{Digest: r.Digest})
	}
	return resp, nil
}

func (b *memBackend) ReadStream(ctx context.Context, instanceName string, req BlobRequest) (io.ReadCloser, error) {
	data, ok := b.blobs[req.Digest]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(newBytesReader(data)), nil
}

func (b *memBackend) WriteStream(ctx context.Context, instanceName string, req BlobRequest, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if b.blobs == nil {
		b.blobs = make(map[digest.Digest][]byte)
	}
	b.blobs[req.Digest] = buf
	return nil
}

type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader { return &bytesReader{data: data} }

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func dg(hash string, size int64) digest.Digest {
	return digest.Digest{Hash: hash, SizeBytes: size}
}

func TestFetchBatchUsesBatchRPCForSmallBlobs(t *testing.T) {
	backend := &memBackend{blobs: map[digest.Digest][]byte{
		dg("a", 3): []byte("aaa"),
		dg("b", 3): []byte("bbb"),
	}}
	client := NewClient(backend, "", 1<<20)

	results, err := client.FetchBatch(context.Background(), []digest.Digest{dg("a", 3), dg("b", 3)})
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if string(results[dg("a", 3)]) != "aaa" || string(results[dg("b", 3)]) != "bbb" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestFetchBatchStreamsBlobsAboveThreshold(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	d := dg("big", int64(len(big)))
	backend := &memBackend{blobs: map[digest.Digest][]byte{d: big}}
	client := NewClient(backend, "", 10) // threshold well under len(big)

	results, err := client.FetchBatch(context.Background(), []digest.Digest{d})
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if string(results[d]) != string(big) {
		t.Fatalf("streamed content mismatch")
	}
}

func TestFetchStreamToWritesDirectlyToWriter(t *testing.T) {
	big := make([]byte, 200)
	for i := range big {
		big[i] = byte(i)
	}
	d := dg("big", int64(len(big)))
	backend := &memBackend{blobs: map[digest.Digest][]byte{d: big}}
	client := NewClient(backend, "", 10)

	var buf bytes.Buffer
	if err := client.FetchStreamTo(context.Background(), d, &buf); err != nil {
		t.Fatalf("FetchStreamTo: %v", err)
	}
	if buf.String() != string(big) {
		t.Fatalf("streamed content mismatch")
	}
}

func TestFetchBatchReportsMissingDigests(t *testing.T) {
	backend := &memBackend{blobs: map[digest.Digest][]byte{}}
	client := NewClient(backend, "", 1<<20)

	_, err := client.FetchBatch(context.Background(), []digest.Digest{dg("missing", 1)})
	if err == nil {
		t.Fatalf("expected an error for a missing digest")
	}
	var missing *BatchReadBlobsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *BatchReadBlobsError, got %T: %v", err, err)
	}
	if len(missing.Digests) != 1 || missing.Digests[0] != dg("missing", 1) {
		t.Fatalf("unexpected missing digests: %+v", missing.Digests)
	}
}

func TestFetchBatchRetriesTransientFailures(t *testing.T) {
	backend := &memBackend{
		blobs:         map[digest.Digest][]byte{dg("a", 1): {1}},
		failReadCalls: 2,
	}
	client := NewClient(backend, "", 1<<20)

	results, err := client.FetchBatch(context.Background(), []digest.Digest{dg("a", 1)})
	if err != nil {
		t.Fatalf("expected retry to eventually succeed, got %v", err)
	}
	if len(results[dg("a", 1)]) != 1 {
		t.Fatalf("unexpected result: %+v", results)
	}
}

func TestUpdateBatchUploadsSmallAndLargeBlobs(t *testing.T) {
	backend := &memBackend{}
	client := NewClient(backend, "", 10)

	small := dg("small", 3)
	large := dg("large", 100)
	blobs := map[digest.Digest][]byte{
		small: []byte("abc"),
		large: make([]byte, 100),
	}
	if err := client.UpdateBatch(context.Background(), blobs); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if len(backend.blobs[small]) != 3 {
		t.Fatalf("expected small blob to have been uploaded")
	}
	if len(backend.blobs[large]) != 100 {
		t.Fatalf("expected large blob to have been uploaded via streaming")
	}
}

func TestPartitionBySizeRespectsMaxTotal(t *testing.T) {
	digests := []digest.Digest{dg("a", 10), dg("b", 10), dg("c", 10)}
	groups := partitionBySize(digests, 15)

	var total int
	for _, g := range groups {
		total += len(g)
		var size int64
		for _, d := range g {
			size += d.SizeBytes
		}
		if size > 15 {
			t.Fatalf("group exceeds max total bytes: %+v", g)
		}
	}
	if total != len(digests) {
		t.Fatalf("expected every digest to appear exactly once across groups, got %d of %d", total, len(digests))
	}
}

func TestPartitionBySizeHandlesEmptyInput(t *testing.T) {
	if groups := partitionBySize(nil, 100); groups != nil {
		t.Fatalf("expected nil groups for empty input, got %+v", groups)
	}
}

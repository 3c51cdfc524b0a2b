package cas

import (
	"context"
	"io"
)

// Backend is the minimal transport a Client drives: REAPI-shaped batch RPCs
// plus a byte-stream read/write pair for blobs too large to batch. A gRPC
// implementation sits behind this interface in production; tests can supply
// an in-memory fake.
type Backend interface {
	BatchReadBlobs(ctx context.Context, req BatchReadBlobsRequest) (BatchReadBlobsResponse, error)
	BatchUpdateBlobs(ctx context.Context, req BatchUpdateBlobsRequest) (BatchUpdateBlobsResponse, error)

	// ReadStream opens the byte-stream resource "{instance}/blobs/{hash}/{size}".
	ReadStream(ctx context.Context, instanceName string, d BlobRequest) (io.ReadCloser, error)

	// WriteStream uploads the byte-stream resource
	// "{instance}/uploads/{uuid}/blobs/{hash}/{size}".
	WriteStream(ctx context.Context, instanceName string, d BlobRequest, data io.Reader) error
}

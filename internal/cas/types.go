// Package cas is the blob transport seam between the local caches and the
// upstream content-addressable store: batch RPCs for small blobs, streaming
// RPCs for large ones, with the REAPI-shaped request/response types declared
// by hand rather than generated from a .proto (spec §6 treats the wire
// contract as an interface, not a vendored protobuf package).
package cas

import "github.com/buildbarn-worker/localcache/internal/digest"

// BlobRequest identifies one blob to fetch or store.
type BlobRequest struct {
	Digest digest.Digest
}

// BatchReadBlobsRequest is the request shape of REAPI's
// ContentAddressableStorage.BatchReadBlobs.
type BatchReadBlobsRequest struct {
	InstanceName string
	Digests      []digest.Digest
}

// BlobReadResult carries either the blob's data or the error the upstream
// store reported for that one digest; BatchReadBlobs reports per-digest
// status rather than failing the whole RPC.
type BlobReadResult struct {
	Digest digest.Digest
	Data   []byte
	Err    error
}

// BatchReadBlobsResponse is the response shape of BatchReadBlobs.
type BatchReadBlobsResponse struct {
	Results []BlobReadResult
}

// BlobUpdateRequest is one blob to upload within a BatchUpdateBlobs call.
type BlobUpdateRequest struct {
	Digest digest.Digest
	Data   []byte
}

// BatchUpdateBlobsRequest is the request shape of
// ContentAddressableStorage.BatchUpdateBlobs.
type BatchUpdateBlobsRequest struct {
	InstanceName string
	Requests     []BlobUpdateRequest
}

// BlobUpdateResult carries the per-digest outcome of a BatchUpdateBlobs call.
type BlobUpdateResult struct {
	Digest digest.Digest
	Err    error
}

// BatchUpdateBlobsResponse is the response shape of BatchUpdateBlobs.
type BatchUpdateBlobsResponse struct {
	Results []BlobUpdateResult
}

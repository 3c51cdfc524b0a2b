package treecache

import (
	"encoding/json"

	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// decodeDirectory parses a fetched directory blob's bytes into a Directory
// wire message. The upstream store's wire format is out of scope here (spec
// §6 treats it as an external interface); this package decodes directory
// blobs as the encoding/json form of treedata.Directory (the same encoding
// the CAS client's codec uses for its hand-declared RPC types), which avoids
// depending on a generated protobuf message set.
func decodeDirectory(data []byte) (treedata.Directory, bool) {
	var dir treedata.Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return treedata.Directory{}, false
	}
	return dir, true
}

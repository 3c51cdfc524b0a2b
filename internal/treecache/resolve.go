package treecache

import (
	"context"
	"fmt"

	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// resolver recursively resolves Directory wire-messages into DirectoryData,
// memoizing by wire digest within a single build call (spec §4.5 step 1).
type resolver struct {
	ctx     context.Context
	cache   *Cache
	memo    map[digest.Digest]*treedata.DirectoryData
	missing []digest.Digest
}

// resolveInputRoot resolves the already-fetched input root Directory message
// into a fully-recursive DirectoryData, fetching every referenced
// subdirectory as needed. If any referenced directory blob cannot be
// fetched, it returns a wrapped *cas.BatchReadBlobsError carrying every
// missing digest (gathered across the whole resolution, not just the first
// failure) so the materializer can surface a complete precondition-failed
// outcome.
func (c *Cache) resolveInputRoot(ctx context.Context, node treedata.Directory) (*treedata.DirectoryData, error) {
	r := &resolver{ctx: ctx, cache: c, memo: make(map[digest.Digest]*treedata.DirectoryData)}
	dd, err := r.resolveNode(node)
	if len(r.missing) > 0 {
		return nil, fmt.Errorf("resolve input root: %w", &cas.BatchReadBlobsError{Digests: r.missing})
	}
	if err != nil {
		return nil, err
	}
	return dd, nil
}

func (r *resolver) resolveNode(node treedata.Directory) (*treedata.DirectoryData, error) {
	dd := treedata.NewDirectoryData()
	for _, f := range node.Files {
		dd.Files[f.Name] = f
	}
	for _, childRef := range node.Directories {
		child, err := r.resolveDigest(childRef.Digest)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		dd.Subdirs[childRef.Name] = child
	}
	return dd, nil
}

func (r *resolver) resolveDigest(d digest.Digest) (*treedata.DirectoryData, error) {
	if dd, ok := r.memo[d]; ok {
		return dd, nil
	}

	node, ok := r.lookupDirectory(d)
	if !ok {
		data, err := r.cache.backend.FetchBatch(r.ctx, []digest.Digest{d})
		if err != nil || data[d] == nil {
			r.missing = append(r.missing, d)
			return nil, nil
		}
		node, ok = decodeDirectory(data[d])
		if !ok {
			r.missing = append(r.missing, d)
			return nil, nil
		}
		if r.cache.dirBlobLRU != nil {
			r.cache.dirBlobLRU.Put(d, node)
		}
	}

	dd, err := r.resolveNode(node)
	if err != nil {
		return nil, err
	}
	r.memo[d] = dd
	return dd, nil
}

func (r *resolver) lookupDirectory(d digest.Digest) (treedata.Directory, bool) {
	if r.cache.dirBlobLRU == nil {
		return treedata.Directory{}, false
	}
	return r.cache.dirBlobLRU.Get(d)
}

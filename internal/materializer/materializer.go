// Package materializer is the thin coordinator described in spec §4.6: it
// delegates to the directory tree cache's build operation and translates
// the cache layer's internal errors into the action-outcome vocabulary the
// surrounding worker expects.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/digest"
	"github.com/buildbarn-worker/localcache/internal/metrics"
	"github.com/buildbarn-worker/localcache/internal/treecache"
	"github.com/buildbarn-worker/localcache/internal/treedata"
)

// PreconditionFailure describes a missing-blob outcome in the shape the
// REAPI action result's precondition_failure field expects: one violation
// per missing digest, subject "blobs/{hash}/{size}", type "MISSING".
type PreconditionFailure struct {
	Violations []Violation
}

// Violation is a single precondition-failure entry.
type Violation struct {
	Subject string
	Type    string
}

func (p *PreconditionFailure) Error() string {
	return fmt.Sprintf("precondition failed: %d blob(s) missing from the content-addressable store", len(p.Violations))
}

// Materializer wraps a treecache.Cache with duration instrumentation and
// error translation.
type Materializer struct {
	tree     *treecache.Cache
	recorder metrics.Recorder
}

// New constructs a Materializer.
func New(tree *treecache.Cache, recorder metrics.Recorder) *Materializer {
	if recorder == nil {
		recorder = metrics.Nop
	}
	return &Materializer{tree: tree, recorder: recorder}
}

// Materialize builds inputRootNode into targetDir, recording the call's
// duration and converting a *cas.BatchReadBlobsError into a
// *PreconditionFailure the caller can attach to an action result.
func (m *Materializer) Materialize(ctx context.Context, inputRootNode treedata.Directory, targetDir string) error {
	start := time.Now()
	err := m.tree.Build(ctx, inputRootNode, targetDir)
	m.recorder.ObserveDuration("materialize_input_root", time.Since(start))

	if err == nil {
		return nil
	}

	var missing *cas.BatchReadBlobsError
	if errors.As(err, &missing) {
		return &PreconditionFailure{Violations: violationsFor(missing.Digests)}
	}
	return err
}

func violationsFor(digests []digest.Digest) []Violation {
	out := make([]Violation, 0, len(digests))
	for _, d := range digests {
		out = append(out, Violation{
			Subject: fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes),
			Type:    "MISSING",
		})
	}
	return out
}

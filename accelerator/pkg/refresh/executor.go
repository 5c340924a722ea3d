package refresh

import (
	"context"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// Executor performs refresh work against a federated source and its accelerator.
type Executor interface {
	// RunCycle performs one full or windowed append cycle. Cancelling ctx abandons the cycle.
	RunCycle(ctx context.Context) error
	// StreamAppend applies appended batches until the stream ends, ctx is cancelled,
	// or retries for a batch are exhausted. It fires ready after the first applied batch.
	StreamAppend(ctx context.Context, cache CacheInvalidator, ready *ReadySignal) error
	// ApplyChanges applies change batches from stream with the same lifetime rules as StreamAppend.
	ApplyChanges(ctx context.Context, stream table.ChangeStream, cache CacheInvalidator, ready *ReadySignal) error
}

// CacheInvalidator drops cached query results that depend on a dataset.
type CacheInvalidator interface {
	InvalidateForTable(ctx context.Context, name table.Name) error
}

package table

import "context"

type ChangeOp int

const (
	ChangeInsert ChangeOp = iota
	ChangeUpdate
	ChangeDelete
)

func (o ChangeOp) String() string {
	switch o {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one row-level mutation. Key holds the primary key values in
// ChangeBatch.PrimaryKey order; Data holds the full row for inserts and updates.
type Change struct {
	Op   ChangeOp
	Key  Row
	Data Row
}

type ChangeBatch struct {
	PrimaryKey []string
	Changes    []Change
	// Offset is an opaque source position used by ChangeStream.Commit.
	Offset any
}

// ChangeStream is an unbounded source of change batches. Next returns io.EOF when the stream ends.
type ChangeStream interface {
	Next(ctx context.Context) (ChangeBatch, error)
	Commit(ctx context.Context, batch ChangeBatch) error
	Close() error
}

// ChangeApplier is implemented by accelerators that can apply change batches in order.
type ChangeApplier interface {
	ApplyChanges(ctx context.Context, batch ChangeBatch) error
}

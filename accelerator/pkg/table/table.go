package table

import (
	"context"
	"errors"
)

var ErrChangesUnsupported = errors.New("table does not support change application")

// Row holds column values in schema order.
type Row []any

// Op is a comparison operator used in pushed-down filters.
type Op int

const (
	OpGreater Op = iota
	OpGreaterOrEqual
)

func (o Op) String() string {
	if o == OpGreaterOrEqual {
		return ">="
	}
	return ">"
}

// Filter restricts a scan to rows whose Column compares to Value with Op.
// Sources may apply filters loosely; callers needing exact semantics re-check rows.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

type ScanRequest struct {
	// Query replaces the source's base relation when set. Only SQL sources honour it.
	Query   string
	Columns []string
	Filters []Filter
}

// Federated is a readable table.
type Federated interface {
	Schema() *Schema
	Scan(ctx context.Context, req ScanRequest) ([]Row, error)
}

// Accelerator is the local materialized copy of a federated table.
type Accelerator interface {
	Federated
	Insert(ctx context.Context, rows []Row) error
	// Overwrite atomically replaces every row.
	Overwrite(ctx context.Context, rows []Row) error
}

// MaxFinder is implemented by tables that can compute a column maximum without a full scan.
// ok is false when the table is empty.
type MaxFinder interface {
	Max(ctx context.Context, column string) (value any, ok bool, err error)
}

// AppendStream yields batches of newly appended rows. Next returns io.EOF when the stream ends.
type AppendStream interface {
	Next(ctx context.Context) ([]Row, error)
	Close() error
}

// AppendStreamer is implemented by federated tables that can push appended rows.
type AppendStreamer interface {
	AppendStream(ctx context.Context, req ScanRequest) (AppendStream, error)
}

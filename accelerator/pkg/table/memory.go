package table

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
)

// MemTable is an in-process table. It serves as a test double for both sides
// of a refresh and as a lightweight accelerator for small datasets.
// Filters are applied with Compare; Query is ignored.
type MemTable struct {
	schema *Schema

	mu      sync.RWMutex
	rows    []Row
	streams []chan []Row
}

func NewMemTable(schema *Schema, rows ...Row) *MemTable {
	return &MemTable{
		schema: schema,
		rows:   cloneRows(rows),
	}
}

func (m *MemTable) Schema() *Schema {
	return m.schema
}

func (m *MemTable) Scan(ctx context.Context, req ScanRequest) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proj, err := m.schema.Project(req.Columns)
	if err != nil {
		return nil, err
	}
	positions := make([]int, len(req.Filters))
	for i, f := range req.Filters {
		_, pos, ok := m.schema.FieldByName(f.Column)
		if !ok {
			return nil, fmt.Errorf("filter column %q not found", f.Column)
		}
		positions[i] = pos
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		if matches(row, req.Filters, positions) {
			out = append(out, row.Project(proj))
		}
	}
	return out, nil
}

func (m *MemTable) Insert(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkWidth(rows); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows = append(m.rows, cloneRows(rows)...)
	m.mu.Unlock()
	return nil
}

func (m *MemTable) Overwrite(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkWidth(rows); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows = cloneRows(rows)
	m.mu.Unlock()
	return nil
}

func (m *MemTable) Max(ctx context.Context, column string) (any, bool, error) {
	_, pos, ok := m.schema.FieldByName(column)
	if !ok {
		return nil, false, fmt.Errorf("column %q not found", column)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best any
	for _, row := range m.rows {
		v := row[pos]
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		if c, ok := Compare(v, best); ok && c > 0 {
			best = v
		}
	}
	return best, best != nil, nil
}

// ApplyChanges applies inserts, updates and deletes matched on batch.PrimaryKey.
// An update for a missing key behaves as an insert.
func (m *MemTable) ApplyChanges(ctx context.Context, batch ChangeBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keyIdx, err := m.schema.Project(batch.PrimaryKey)
	if err != nil {
		return fmt.Errorf("invalid primary key: %w", err)
	}
	if len(batch.PrimaryKey) == 0 {
		return fmt.Errorf("primary key is required to apply changes")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range batch.Changes {
		key := ch.Key.Key()
		i := slices.IndexFunc(m.rows, func(r Row) bool { return r.Project(keyIdx).Key() == key })
		switch ch.Op {
		case ChangeInsert, ChangeUpdate:
			if len(ch.Data) != m.schema.Len() {
				return fmt.Errorf("%s change has %d columns, expected %d", ch.Op, len(ch.Data), m.schema.Len())
			}
			row := slices.Clone(ch.Data)
			if i >= 0 {
				m.rows[i] = row
			} else {
				m.rows = append(m.rows, row)
			}
		case ChangeDelete:
			if i >= 0 {
				m.rows = slices.Delete(m.rows, i, i+1)
			}
		}
	}
	return nil
}

// Len returns the number of stored rows.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Rows returns a copy of the stored rows.
func (m *MemTable) Rows() []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRows(m.rows)
}

// Publish appends rows and delivers them to every open append stream.
func (m *MemTable) Publish(ctx context.Context, rows ...Row) error {
	if err := m.Insert(ctx, rows); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.streams {
		select {
		case ch <- cloneRows(rows):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CloseStreams ends every open append stream with io.EOF.
func (m *MemTable) CloseStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.streams {
		close(ch)
	}
	m.streams = nil
}

// AppendStream first yields the rows matching req, then every published batch.
func (m *MemTable) AppendStream(ctx context.Context, req ScanRequest) (AppendStream, error) {
	initial, err := m.Scan(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan []Row, 64)
	m.mu.Lock()
	m.streams = append(m.streams, ch)
	m.mu.Unlock()
	return &memStream{table: m, initial: initial, ch: ch}, nil
}

func (m *MemTable) checkWidth(rows []Row) error {
	for i, row := range rows {
		if len(row) != m.schema.Len() {
			return fmt.Errorf("row %d has %d columns, expected %d", i, len(row), m.schema.Len())
		}
	}
	return nil
}

type memStream struct {
	table   *MemTable
	initial []Row
	ch      chan []Row
}

func (s *memStream) Next(ctx context.Context) ([]Row, error) {
	if s.initial != nil {
		rows := s.initial
		s.initial = nil
		if len(rows) > 0 {
			return rows, nil
		}
	}
	select {
	case rows, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memStream) Close() error {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if i := slices.Index(s.table.streams, s.ch); i >= 0 {
		s.table.streams = slices.Delete(s.table.streams, i, i+1)
		close(s.ch)
	}
	return nil
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}

package merge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/stretchr/testify/require"
)

type countingCache struct {
	n atomic.Int32
}

func (c *countingCache) InvalidateForTable(ctx context.Context, name table.Name) error {
	c.n.Add(1)
	return nil
}

// failingAccelerator fails the first failures inserts and change batches.
type failingAccelerator struct {
	*table.MemTable
	failures atomic.Int32
	err      error
}

func (f *failingAccelerator) Insert(ctx context.Context, rows []table.Row) error {
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.MemTable.Insert(ctx, rows)
}

type sliceChangeStream struct {
	mu        sync.Mutex
	batches   []table.ChangeBatch
	committed []any
	closed    bool
}

func (s *sliceChangeStream) Next(ctx context.Context) (table.ChangeBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return table.ChangeBatch{}, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *sliceChangeStream) Commit(ctx context.Context, batch table.ChangeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, batch.Offset)
	return nil
}

func (s *sliceChangeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestAccel_Merge_StreamAppend(t *testing.T) {
	t.Parallel()

	schema := unixSchema(table.UInt64)
	federated := table.NewMemTable(schema, uintRows(1, 2)...)
	accelerator := table.NewMemTable(schema)
	task := newTestTask(t, "stream", refresh.NewConfig(refresh.ModeAppend), federated, accelerator)
	cache := &countingCache{}
	ready := refresh.NewReadySignal()

	done := make(chan error, 1)
	go func() { done <- task.StreamAppend(t.Context(), cache, ready) }()

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	require.NoError(t, ready.Wait(ctx))
	require.Equal(t, 2, accelerator.Len())

	require.NoError(t, federated.Publish(t.Context(), uintRows(3)...))
	require.Eventually(t, func() bool { return accelerator.Len() == 3 }, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return cache.n.Load() == 2 }, waitTimeout, 10*time.Millisecond)
	require.Equal(t, status.Ready, task.cfg.Status.Get(task.cfg.Name))

	federated.CloseStreams()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("stream did not end")
	}
}

func TestAccel_Merge_StreamAppendUnsupported(t *testing.T) {
	t.Parallel()

	schema := unixSchema(table.UInt64)
	federated := federatedOnly{table.NewMemTable(schema)}
	task := newTestTask(t, "stream_unsupported", refresh.NewConfig(refresh.ModeAppend), federated, table.NewMemTable(schema))

	err := task.StreamAppend(t.Context(), nil, refresh.NewReadySignal())
	require.ErrorIs(t, err, ErrStreamingUnsupported)
}

// federatedOnly hides optional interfaces of the wrapped table.
type federatedOnly struct {
	table.Federated
}

func TestAccel_Merge_StreamAppendRetriesBatches(t *testing.T) {
	t.Parallel()

	schema := unixSchema(table.UInt64)
	transient := errors.New("i/o timeout")

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		federated := table.NewMemTable(schema, uintRows(1)...)
		accelerator := &failingAccelerator{MemTable: table.NewMemTable(schema), err: transient}
		accelerator.failures.Store(2)
		task := newTestTask(t, "stream_retry", refresh.NewConfig(refresh.ModeAppend).WithRetry(true, 3), federated, accelerator)
		ready := refresh.NewReadySignal()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- task.StreamAppend(ctx, nil, ready) }()

		waitCtx, waitCancel := context.WithTimeout(t.Context(), waitTimeout)
		defer waitCancel()
		require.NoError(t, ready.Wait(waitCtx))
		require.Equal(t, 1, accelerator.Len())

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		federated := table.NewMemTable(schema, uintRows(1)...)
		accelerator := &failingAccelerator{MemTable: table.NewMemTable(schema), err: transient}
		accelerator.failures.Store(10)
		statuses := newStatusRegistry()
		task := newTestTask(t, "stream_give_up", refresh.NewConfig(refresh.ModeAppend).WithRetry(true, 2), federated, accelerator, func(c *Config) {
			c.Status = statuses
		})
		ready := refresh.NewReadySignal()

		err := task.StreamAppend(t.Context(), nil, ready)
		require.ErrorIs(t, err, transient)
		require.False(t, ready.Ready())
		require.Equal(t, status.Error, statuses.Get(table.Name{Table: "stream_give_up"}))
		require.EqualValues(t, 8, accelerator.failures.Load())
	})
}

func TestAccel_Merge_ApplyChanges(t *testing.T) {
	t.Parallel()

	schema := table.NewSchema(
		table.Field{Name: "id", Type: table.Int64},
		table.Field{Name: "name", Type: table.Utf8},
	)
	accelerator := table.NewMemTable(schema, table.Row{int64(1), "a"}, table.Row{int64(2), "b"})
	task := newTestTask(t, "changes", refresh.NewConfig(refresh.ModeChanges), table.NewMemTable(schema), accelerator)

	pk := []string{"id"}
	stream := &sliceChangeStream{batches: []table.ChangeBatch{
		{PrimaryKey: pk, Offset: 1, Changes: []table.Change{
			{Op: table.ChangeInsert, Key: table.Row{int64(3)}, Data: table.Row{int64(3), "c"}},
			{Op: table.ChangeUpdate, Key: table.Row{int64(1)}, Data: table.Row{int64(1), "a2"}},
		}},
		{PrimaryKey: pk, Offset: 2},
		{PrimaryKey: pk, Offset: 3, Changes: []table.Change{
			{Op: table.ChangeDelete, Key: table.Row{int64(2)}},
		}},
	}}
	cache := &countingCache{}
	ready := refresh.NewReadySignal()

	require.NoError(t, task.ApplyChanges(t.Context(), stream, cache, ready))
	require.True(t, ready.Ready())
	require.EqualValues(t, 2, cache.n.Load())
	require.Equal(t, []any{1, 2, 3}, stream.committed)
	require.True(t, stream.closed)
	require.ElementsMatch(t, []table.Row{{int64(1), "a2"}, {int64(3), "c"}}, accelerator.Rows())
}

func TestAccel_Merge_ApplyChangesUnsupported(t *testing.T) {
	t.Parallel()

	schema := unixSchema(table.UInt64)
	accelerator := accelOnly{table.NewMemTable(schema)}
	task := newTestTask(t, "changes_unsupported", refresh.NewConfig(refresh.ModeChanges), table.NewMemTable(schema), accelerator)

	stream := &sliceChangeStream{}
	require.ErrorIs(t, task.ApplyChanges(t.Context(), stream, nil, refresh.NewReadySignal()), table.ErrChangesUnsupported)
	require.True(t, stream.closed)

	require.Error(t, task.ApplyChanges(t.Context(), nil, nil, refresh.NewReadySignal()))
}

// accelOnly hides optional interfaces of the wrapped table.
type accelOnly struct {
	table.Accelerator
}

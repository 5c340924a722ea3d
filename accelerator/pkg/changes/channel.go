package changes

import (
	"context"
	"io"
	"sync"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// ChannelStream is a ChangeStream fed by Send. It is used for in-process producers.
type ChannelStream struct {
	ch        chan table.ChangeBatch
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	committed []any
}

var _ table.ChangeStream = (*ChannelStream)(nil)

func NewChannelStream(buffer int) *ChannelStream {
	return &ChannelStream{
		ch:   make(chan table.ChangeBatch, buffer),
		done: make(chan struct{}),
	}
}

// Send queues batch, blocking until there is room, the stream is closed, or ctx is done.
func (s *ChannelStream) Send(ctx context.Context, batch table.ChangeBatch) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.ch <- batch:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelStream) Next(ctx context.Context) (table.ChangeBatch, error) {
	select {
	case b := <-s.ch:
		return b, nil
	case <-s.done:
		return table.ChangeBatch{}, io.EOF
	case <-ctx.Done():
		return table.ChangeBatch{}, ctx.Err()
	}
}

func (s *ChannelStream) Commit(ctx context.Context, batch table.ChangeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, batch.Offset)
	return nil
}

// Committed returns the offsets of committed batches in commit order.
func (s *ChannelStream) Committed() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.committed...)
}

func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

package refresh

import (
	"context"
	"fmt"
	"sync"
)

// ReadySignal is a one-shot notification that a dataset completed its first
// successful refresh. Fire may be called any number of times.
type ReadySignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewReadySignal() *ReadySignal {
	return &ReadySignal{ch: make(chan struct{})}
}

// Fire reports whether this call was the one that signalled readiness.
func (r *ReadySignal) Fire() bool {
	fired := false
	r.once.Do(func() {
		close(r.ch)
		fired = true
	})
	return fired
}

func (r *ReadySignal) Done() <-chan struct{} {
	return r.ch
}

func (r *ReadySignal) Ready() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

func (r *ReadySignal) Wait(ctx context.Context) error {
	select {
	case <-r.ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for readiness: %w", ctx.Err())
	}
}

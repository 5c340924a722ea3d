package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// CycleFunc runs one refresh cycle.
type CycleFunc func(ctx context.Context) error

// Runner executes at most one refresh cycle at a time for a dataset. A start
// request that arrives while a cycle is in flight cancels that cycle, waits for
// it to return and then starts a new one; the cancelled cycle's result is never
// published.
type Runner struct {
	log   *slog.Logger
	name  table.Name
	cycle CycleFunc

	mu      sync.Mutex
	started bool
	aborted bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRunner(log *slog.Logger, name table.Name, cycle CycleFunc) *Runner {
	return &Runner{
		log:   log,
		name:  name,
		cycle: cycle,
		done:  make(chan struct{}),
	}
}

type inflightCycle struct {
	id     uuid.UUID
	cancel context.CancelFunc
	result chan error
}

// Start launches the runner loop and returns its start inlet (capacity one) and
// completion outlet. It panics when called more than once. Once aborted, the
// returned inlet is never read.
func (r *Runner) Start(ctx context.Context) (chan<- struct{}, <-chan error) {
	start := make(chan struct{}, 1)
	complete := make(chan error, 1)

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		panic(fmt.Sprintf("refresh runner for %s started twice", r.name))
	}
	r.started = true
	if r.aborted {
		r.mu.Unlock()
		return start, complete
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	go func() {
		defer close(r.done)

		var current *inflightCycle
		defer func() {
			if current != nil {
				current.stop()
			}
		}()

		for {
			var result <-chan error
			if current != nil {
				result = current.result
			}

			select {
			case <-ctx.Done():
				return
			case <-start:
				if current != nil {
					r.log.Debug("refresh: cancelling in-flight cycle for newer request", "dataset", r.name, "cycle", current.id)
					metrics.RefreshSuperseded.WithLabelValues(r.name.String()).Inc()
					current.stop()
				}
				current = r.begin(ctx)
			case err := <-result:
				current.cancel()
				if err != nil {
					r.log.Debug("refresh: cycle failed", "dataset", r.name, "cycle", current.id, "error", err)
				} else {
					r.log.Debug("refresh: cycle completed", "dataset", r.name, "cycle", current.id)
				}
				current = nil
				select {
				case complete <- err:
				case <-ctx.Done():
					r.log.Debug("refresh: runner stopped before completion was received", "dataset", r.name)
					return
				}
			}
		}
	}()

	return start, complete
}

// stop cancels the cycle and blocks until it has returned, discarding its result.
func (c *inflightCycle) stop() {
	c.cancel()
	<-c.result
}

func (r *Runner) begin(parent context.Context) *inflightCycle {
	ctx, cancel := context.WithCancel(parent)
	c := &inflightCycle{
		id:     uuid.New(),
		cancel: cancel,
		result: make(chan error, 1),
	}
	go func() {
		c.result <- r.safeCycle(ctx)
	}()
	return c
}

func (r *Runner) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("refresh: cycle panicked", "dataset", r.name, "panic", p)
			err = fmt.Errorf("refresh cycle panicked: %v", p)
		}
	}()
	return r.cycle(ctx)
}

// Abort stops the runner loop and cancels any in-flight cycle. It is safe to
// call repeatedly. Aborting a runner that was never started closes Done.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		return
	}
	if !r.aborted {
		r.aborted = true
		close(r.done)
	}
}

// Done is closed once the runner loop and its last cycle have exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

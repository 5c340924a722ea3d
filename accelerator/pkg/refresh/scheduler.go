package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

type RefresherConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Name     table.Name
	Refresh  *Shared
	Executor Executor
}

func (cfg *RefresherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Name.IsZero() {
		return errors.New("dataset name is required")
	}
	if cfg.Refresh == nil {
		return errors.New("refresh config is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Refresher decides when a dataset is refreshed. Discrete modes are driven by a
// jittered timer and an optional trigger inlet through a Runner; continuous modes
// hand off to the executor.
type Refresher struct {
	log    *slog.Logger
	cfg    RefresherConfig
	runner *Runner

	mu     sync.Mutex
	cache  CacheInvalidator
	handle *Handle
}

func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Refresher{
		log:    cfg.Logger,
		cfg:    cfg,
		runner: NewRunner(cfg.Logger, cfg.Name, cfg.Executor.RunCycle),
	}, nil
}

// SetCacheProvider sets the cache invalidated after each successful refresh. It
// must be called before Start.
func (r *Refresher) SetCacheProvider(cache CacheInvalidator) *Refresher {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = cache
	return r
}

// Handle owns a running refresh task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Abort terminates the task without waiting for it; Done closes once any
// in-flight cycle has returned.
func (h *Handle) Abort() {
	h.cancel()
}

// Done is closed once the task has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start begins refreshing according to mode and returns the task handle, or nil
// when mode is Disabled. ready fires after the first successful refresh.
func (r *Refresher) Start(ctx context.Context, mode AccelerationMode, ready *ReadySignal) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.cfg.Refresh.Get()
	notifier := &Notifier{
		Log:     r.log,
		Clock:   r.cfg.Clock,
		Name:    r.cfg.Name,
		Refresh: r.cfg.Refresh,
		Cache:   r.cache,
	}

	var run func(ctx context.Context)
	switch m := mode.(type) {
	case nil, Disabled:
		return nil
	case Full:
		run = func(ctx context.Context) { r.runCycles(ctx, m.Trigger, notifier, ready) }
	case Append:
		if m.Trigger != nil && cfg.TimeColumn != "" {
			run = func(ctx context.Context) { r.runCycles(ctx, m.Trigger, notifier, ready) }
		} else {
			r.log.Info("refresh: starting streaming append", "dataset", r.cfg.Name)
			run = func(ctx context.Context) {
				if err := r.cfg.Executor.StreamAppend(ctx, r.cache, ready); err != nil && !errors.Is(err, context.Canceled) {
					r.log.Error("refresh: append stream failed", "dataset", r.cfg.Name, "error", err)
				}
			}
		}
	case Changes:
		r.log.Info("refresh: starting changes stream", "dataset", r.cfg.Name)
		run = func(ctx context.Context) {
			if err := r.cfg.Executor.ApplyChanges(ctx, m.Stream, r.cache, ready); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("refresh: changes stream failed", "dataset", r.cfg.Name, "error", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		run(ctx)
	}()
	r.handle = h
	return h
}

// Close aborts the refresh task and any in-flight cycle.
func (r *Refresher) Close() {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		h.Abort()
	}
	r.runner.Abort()
}

func (r *Refresher) runCycles(ctx context.Context, trigger <-chan struct{}, notifier *Notifier, ready *ReadySignal) {
	start, completions := r.runner.Start(ctx)
	defer func() {
		r.runner.Abort()
		<-r.runner.Done()
	}()

	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// The first cycle is requested immediately.
	timerCh := firedChan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerCh:
			timerCh = nil
			r.log.Debug("refresh: starting scheduled refresh", "dataset", r.cfg.Name)
			r.requestCycle(start, "schedule")
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			r.log.Debug("refresh: received external trigger", "dataset", r.cfg.Name)
			r.requestCycle(start, "trigger")
		case err := <-completions:
			if err != nil {
				r.log.Error("refresh: cycle failed", "dataset", r.cfg.Name, "error", err)
			} else {
				notifier.RefreshDone(ctx, ready)
			}

			cfg := r.cfg.Refresh.Get()
			if cfg.CheckInterval > 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = r.cfg.Clock.NewTimer(computeDelay(cfg.CheckInterval, cfg.MaxJitter))
				timerCh = timer.Chan()
			}
		}
	}
}

// requestCycle never blocks: when a request is already pending the new one is dropped.
func (r *Refresher) requestCycle(start chan<- struct{}, source string) {
	select {
	case start <- struct{}{}:
	default:
		r.log.Debug("refresh: refresh already pending, dropping request", "dataset", r.cfg.Name, "source", source)
		metrics.RefreshRequestsDropped.WithLabelValues(r.cfg.Name.String(), source).Inc()
	}
}

func firedChan() <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

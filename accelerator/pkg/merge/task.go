package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/malbeclabs/accel/utils/pkg/retry"
)

const (
	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = time.Second
	defaultRetryMaxBackoff  = 30 * time.Second
	historyWriteTimeout     = 10 * time.Second
)

var (
	ErrUnsupportedMode      = errors.New("unsupported refresh mode")
	ErrStreamingUnsupported = errors.New("federated table does not support append streams")
)

// permanentError marks failures that retrying the same cycle cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isRetryable(err error) bool {
	var p *permanentError
	switch {
	case errors.As(err, &p):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, refresh.ErrValidation), errors.Is(err, table.ErrChangesUnsupported):
		return false
	}
	return true
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Name        table.Name
	Federated   table.Federated
	Accelerator table.Accelerator
	Refresh     *refresh.Shared

	// Status defaults to status.Default.
	Status *status.Registry
	// History is optional.
	History history.Recorder
	// OnError is called with every failed cycle or stream, after logging.
	OnError func(name table.Name, err error)

	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Name.IsZero() {
		return errors.New("dataset name is required")
	}
	if cfg.Federated == nil {
		return errors.New("federated table is required")
	}
	if cfg.Accelerator == nil {
		return errors.New("accelerator table is required")
	}
	if cfg.Refresh == nil {
		return errors.New("refresh config is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Status == nil {
		cfg.Status = status.Default
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = defaultRetryBaseBackoff
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = defaultRetryMaxBackoff
	}
	return nil
}

// Task moves data from a federated table into its accelerator.
type Task struct {
	log *slog.Logger
	cfg Config
}

var _ refresh.Executor = (*Task)(nil)

func NewTask(cfg Config) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Task{log: cfg.Logger, cfg: cfg}, nil
}

// RunCycle performs one refresh cycle using the refresh config current at the
// time of the call.
func (t *Task) RunCycle(ctx context.Context) error {
	cfg := t.cfg.Refresh.Get()
	name := t.cfg.Name.String()
	mode := string(cfg.Mode)

	run := history.Run{
		ID:        uuid.New(),
		Dataset:   name,
		Mode:      mode,
		StartedAt: t.cfg.Clock.Now(),
	}
	t.cfg.Status.Update(t.cfg.Name, status.Refreshing)
	t.log.Debug("refresh: cycle started", "dataset", name, "mode", mode, "run_id", run.ID)

	var rows int
	err := retry.Do(ctx, t.retryConfig(cfg, "cycle"), func(ctx context.Context) error {
		run.Attempts++
		n, err := t.cycle(ctx, cfg)
		rows = n
		return err
	})

	run.FinishedAt = t.cfg.Clock.Now()
	duration := run.FinishedAt.Sub(run.StartedAt)
	metrics.RefreshDuration.WithLabelValues(name, mode).Observe(duration.Seconds())

	switch {
	case err == nil:
		run.Status = history.StatusSuccess
		run.Rows = rows
		t.cfg.Status.Update(t.cfg.Name, status.Ready)
		metrics.RefreshRows.WithLabelValues(name, mode).Add(float64(rows))
		t.log.Info("refresh: cycle completed", "dataset", name, "mode", mode, "rows", rows, "duration", duration.String())
	case ctx.Err() != nil:
		// Superseded or shutting down; the cycle that replaces this one owns the status.
		run.Status = history.StatusCancelled
		run.Error = err.Error()
	default:
		run.Status = history.StatusError
		run.Error = err.Error()
		t.cfg.Status.Update(t.cfg.Name, status.Error)
		t.reportError(err)
	}
	metrics.RefreshTotal.WithLabelValues(name, mode, run.Status).Inc()
	t.recordRun(ctx, run)

	if err != nil {
		return fmt.Errorf("refresh of %s failed: %w", name, err)
	}
	return nil
}

func (t *Task) retryConfig(cfg refresh.Config, what string) retry.Config {
	return retry.Config{
		MaxAttempts: t.attempts(cfg),
		BaseBackoff: t.cfg.RetryBaseBackoff,
		MaxBackoff:  t.cfg.RetryMaxBackoff,
		Clock:       t.cfg.Clock,
		Retryable:   isRetryable,
		OnRetry: func(attempt int, backoff time.Duration, err error) {
			t.log.Warn("refresh: retrying "+what, "dataset", t.cfg.Name, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func (t *Task) attempts(cfg refresh.Config) int {
	if !cfg.RetryEnabled {
		return 1
	}
	if cfg.RetryMaxAttempts <= 0 {
		return defaultRetryAttempts
	}
	return cfg.RetryMaxAttempts
}

func (t *Task) cycle(ctx context.Context, cfg refresh.Config) (int, error) {
	switch cfg.Mode {
	case refresh.ModeFull, "":
		return t.fullCycle(ctx, cfg)
	case refresh.ModeAppend:
		return t.appendCycle(ctx, cfg)
	default:
		return 0, permanent(fmt.Errorf("%w for a refresh cycle: %s", ErrUnsupportedMode, cfg.Mode))
	}
}

func (t *Task) recordRun(ctx context.Context, run history.Run) {
	if t.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := t.cfg.History.RecordRun(ctx, run); err != nil {
		t.log.Warn("refresh: failed to record run", "dataset", run.Dataset, "run_id", run.ID, "error", err)
	}
}

func (t *Task) reportError(err error) {
	if t.cfg.OnError != nil {
		t.cfg.OnError(t.cfg.Name, err)
	}
}

package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/accel/accelerator/pkg/cache"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"github.com/malbeclabs/accel/accelerator/pkg/merge"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrRefreshDisabled = errors.New("acceleration is disabled for dataset")
	// ErrNoTriggerInlet is returned when the dataset refreshes from a stream.
	ErrNoTriggerInlet = errors.New("dataset refresh mode does not accept triggers")
	ErrNotStarted     = errors.New("dataset has not been started")
	ErrAlreadyStarted = errors.New("dataset already started")
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Name      table.Name
	Federated table.Federated

	// Accelerator is required when Enabled is set.
	Enabled     bool
	Accelerator table.Accelerator
	Refresh     refresh.Config
	// Changes is the change stream consumed in changes mode.
	Changes table.ChangeStream

	Cache   *cache.Cache
	Status  *status.Registry
	History history.Recorder
	OnError func(name table.Name, err error)

	// Closer releases the resources behind Federated and Accelerator.
	Closer func() error
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Status == nil {
		cfg.Status = status.Default
	}
	if !cfg.Enabled {
		return nil
	}
	if cfg.Accelerator == nil {
		return errors.New("accelerator table is required")
	}
	if cfg.Refresh.Mode == "" {
		cfg.Refresh.Mode = refresh.ModeFull
	}
	if cfg.Refresh.Mode == refresh.ModeChanges && cfg.Changes == nil {
		return errors.New("change stream is required in changes mode")
	}
	return nil
}

// AcceleratedTable owns a dataset: its federated source, the optional local
// accelerator and the refresh task that keeps them in sync.
type AcceleratedTable struct {
	log *slog.Logger
	cfg Config

	refreshCfg *refresh.Shared
	refresher  *refresh.Refresher
	ready      *refresh.ReadySignal
	trigger    chan struct{}

	mu     sync.Mutex
	handle *refresh.Handle
	closed bool
}

// New validates the refresh config against the accelerator schema and wires the
// refresh task. Validation errors are returned before anything is started.
func New(cfg Config) (*AcceleratedTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	t := &AcceleratedTable{
		log:   cfg.Logger,
		cfg:   cfg,
		ready: refresh.NewReadySignal(),
	}
	if !cfg.Enabled {
		cfg.Status.Update(cfg.Name, status.Disabled)
		return t, nil
	}

	if err := cfg.Refresh.Validate(cfg.Name, cfg.Accelerator.Schema()); err != nil {
		return nil, err
	}
	t.refreshCfg = refresh.NewShared(cfg.Refresh)

	task, err := merge.NewTask(merge.Config{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		Name:        cfg.Name,
		Federated:   cfg.Federated,
		Accelerator: cfg.Accelerator,
		Refresh:     t.refreshCfg,
		Status:      cfg.Status,
		History:     cfg.History,
		OnError:     cfg.OnError,
	})
	if err != nil {
		return nil, err
	}
	t.refresher, err = refresh.NewRefresher(refresh.RefresherConfig{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Name:     cfg.Name,
		Refresh:  t.refreshCfg,
		Executor: task,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Cache != nil {
		t.refresher.SetCacheProvider(cfg.Cache)
	}
	if t.acceptsTriggers() {
		t.trigger = make(chan struct{}, 1)
	}
	cfg.Status.Update(cfg.Name, status.Initializing)
	return t, nil
}

func (t *AcceleratedTable) Name() table.Name { return t.cfg.Name }

func (t *AcceleratedTable) Enabled() bool { return t.cfg.Enabled }

func (t *AcceleratedTable) Status() status.Status { return t.cfg.Status.Get(t.cfg.Name) }

// RefreshConfig returns a snapshot of the current refresh config.
func (t *AcceleratedTable) RefreshConfig() refresh.Config {
	if t.refreshCfg == nil {
		return t.cfg.Refresh
	}
	return t.refreshCfg.Get()
}

func (t *AcceleratedTable) acceptsTriggers() bool {
	switch t.cfg.Refresh.Mode {
	case refresh.ModeFull:
		return true
	case refresh.ModeAppend:
		return t.cfg.Refresh.TimeColumn != ""
	default:
		return false
	}
}

func (t *AcceleratedTable) mode() refresh.AccelerationMode {
	switch t.cfg.Refresh.Mode {
	case refresh.ModeAppend:
		if t.trigger == nil {
			return refresh.Append{}
		}
		return refresh.Append{Trigger: t.trigger}
	case refresh.ModeChanges:
		return refresh.Changes{Stream: t.cfg.Changes}
	default:
		return refresh.Full{Trigger: t.trigger}
	}
}

// Start launches the refresh task. Datasets without acceleration are ready immediately.
func (t *AcceleratedTable) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("dataset %s is closed", t.cfg.Name)
	}
	if !t.cfg.Enabled {
		t.ready.Fire()
		return nil
	}
	if t.handle != nil {
		return ErrAlreadyStarted
	}
	t.log.Info("dataset: starting refresh", "dataset", t.cfg.Name, "mode", t.cfg.Refresh.Mode)
	t.handle = t.refresher.Start(ctx, t.mode(), t.ready)
	return nil
}

// TriggerRefresh requests a refresh cycle without waiting for it. A request made
// while one is already pending is coalesced into it.
func (t *AcceleratedTable) TriggerRefresh() error {
	if !t.cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrRefreshDisabled, t.cfg.Name)
	}
	if t.trigger == nil {
		return fmt.Errorf("%w: %s uses %s mode", ErrNoTriggerInlet, t.cfg.Name, t.cfg.Refresh.Mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil || t.closed {
		return ErrNotStarted
	}
	select {
	case t.trigger <- struct{}{}:
	default:
		t.log.Debug("dataset: trigger already pending", "dataset", t.cfg.Name)
	}
	return nil
}

// UpdateRefresh applies fn to a copy of the refresh config and installs it when
// the result still validates. The new values take effect from the next cycle.
func (t *AcceleratedTable) UpdateRefresh(fn func(*refresh.Config)) error {
	if !t.cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrRefreshDisabled, t.cfg.Name)
	}
	next := t.refreshCfg.Get()
	mode := next.Mode
	fn(&next)
	if next.Mode != mode {
		return fmt.Errorf("refresh mode cannot change from %s to %s without a restart", mode, next.Mode)
	}
	if err := next.Validate(t.cfg.Name, t.cfg.Accelerator.Schema()); err != nil {
		return err
	}
	t.refreshCfg.Update(func(c *refresh.Config) { *c = next })
	t.log.Info("dataset: refresh config updated", "dataset", t.cfg.Name)
	return nil
}

func (t *AcceleratedTable) Ready() bool { return t.ready.Ready() }

func (t *AcceleratedTable) WaitReady(ctx context.Context) error {
	if err := t.ready.Wait(ctx); err != nil {
		return fmt.Errorf("dataset %s: %w", t.cfg.Name, err)
	}
	return nil
}

// Query reads from the accelerator once it is ready and from the federated
// source otherwise. Accelerated results are cached until the next refresh.
func (t *AcceleratedTable) Query(ctx context.Context, req table.ScanRequest) ([]table.Row, error) {
	if !t.cfg.Enabled || !t.ready.Ready() {
		return t.cfg.Federated.Scan(ctx, req)
	}
	key := cacheKey(req)
	var gen uint64
	if t.cfg.Cache != nil {
		gen = t.cfg.Cache.Generation(t.cfg.Name)
		if rows, ok := t.cfg.Cache.Get(t.cfg.Name, key); ok {
			return rows, nil
		}
	}
	rows, err := t.cfg.Accelerator.Scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query accelerator: %w", err)
	}
	if t.cfg.Cache != nil {
		t.cfg.Cache.Set(t.cfg.Name, key, gen, rows)
	}
	return rows, nil
}

func cacheKey(req table.ScanRequest) string {
	var b strings.Builder
	b.WriteString(req.Query)
	b.WriteByte(0)
	b.WriteString(strings.Join(req.Columns, ","))
	for _, f := range req.Filters {
		fmt.Fprintf(&b, "\x00%s%s%T:%v", f.Column, f.Op, f.Value, f.Value)
	}
	return b.String()
}

// Close stops the refresh task, waits for it to exit and releases the dataset's
// resources. It is safe to call more than once.
func (t *AcceleratedTable) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handle
	t.mu.Unlock()

	t.cfg.Status.Update(t.cfg.Name, status.ShuttingDown)
	if t.refresher != nil {
		t.refresher.Close()
	}
	if h != nil {
		<-h.Done()
	}

	var errs []error
	// A started change executor closes its own stream.
	if t.cfg.Changes != nil && h == nil {
		errs = append(errs, t.cfg.Changes.Close())
	}
	if t.cfg.Closer != nil {
		errs = append(errs, t.cfg.Closer())
	}
	t.cfg.Status.Remove(t.cfg.Name)
	return errors.Join(errs...)
}

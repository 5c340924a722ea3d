package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds every dataset served by the process.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	datasets map[string]*AcceleratedTable
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log, datasets: make(map[string]*AcceleratedTable)}
}

func (r *Registry) Add(t *AcceleratedTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name().String()
	if _, ok := r.datasets[name]; ok {
		return fmt.Errorf("dataset %s is already registered", name)
	}
	r.datasets[name] = t
	return nil
}

func (r *Registry) Get(name string) (*AcceleratedTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	return t, nil
}

// List returns the datasets sorted by name.
func (r *Registry) List() []*AcceleratedTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AcceleratedTable, 0, len(r.datasets))
	for _, t := range r.datasets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name().String() < out[j].Name().String() })
	return out
}

func (r *Registry) Start(ctx context.Context) error {
	for _, t := range r.List() {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dataset %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Ready reports whether every dataset completed its first refresh.
func (r *Registry) Ready() bool {
	for _, t := range r.List() {
		if !t.Ready() {
			return false
		}
	}
	return true
}

func (r *Registry) WaitReady(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.List() {
		g.Go(func() error { return t.WaitReady(ctx) })
	}
	return g.Wait()
}

// Close closes every dataset concurrently and returns the first error.
func (r *Registry) Close() error {
	var g errgroup.Group
	for _, t := range r.List() {
		g.Go(func() error {
			if err := t.Close(); err != nil {
				r.log.Warn("dataset: failed to close", "dataset", t.Name(), "error", err)
				return fmt.Errorf("failed to close dataset %s: %w", t.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

type Config struct {
	// MaxRows bounds the total number of cached rows.
	MaxRows int64
	// NumCounters defaults to ten times MaxRows, capped at 1e7.
	NumCounters int64
}

func (cfg *Config) Validate() error {
	if cfg.MaxRows <= 0 {
		return errors.New("max rows must be positive")
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = min(cfg.MaxRows*10, 1e7)
	}
	return nil
}

// Cache holds query results tagged by the dataset they were read from. Each
// dataset has a generation that InvalidateForTable advances; results read under
// an older generation are never stored.
type Cache struct {
	store *ristretto.Cache[string, []table.Row]

	mu          sync.Mutex
	index       map[string]map[string]struct{}
	generations map[string]uint64
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []table.Row]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxRows,
		BufferItems: 64,
		// Cost is counted in rows only.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Cache{
		store:       store,
		index:       make(map[string]map[string]struct{}),
		generations: make(map[string]uint64),
	}, nil
}

func entryKey(name table.Name, key string) string {
	return name.String() + "\x00" + key
}

func (c *Cache) Get(name table.Name, key string) ([]table.Row, bool) {
	rows, ok := c.store.Get(entryKey(name, key))
	if ok {
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	}
	return rows, ok
}

// Generation returns the current generation of name. Capture it before reading
// the rows passed to Set.
func (c *Cache) Generation(name table.Name) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[name.String()]
}

// Set stores rows read under generation gen. It returns false without storing
// when name has been invalidated since gen was captured. The write is applied
// asynchronously and may be rejected under memory pressure.
func (c *Cache) Set(name table.Name, key string, gen uint64, rows []table.Row) bool {
	k := entryKey(name, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[name.String()] != gen {
		metrics.CacheStaleWritesTotal.Inc()
		return false
	}
	keys, ok := c.index[name.String()]
	if !ok {
		keys = make(map[string]struct{})
		c.index[name.String()] = keys
	}
	keys[k] = struct{}{}
	// Enqueued under mu so a concurrent invalidation's Wait observes it.
	return c.store.Set(k, rows, max(int64(len(rows)), 1))
}

// InvalidateForTable removes every entry cached for name.
func (c *Cache) InvalidateForTable(ctx context.Context, name table.Name) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.generations[name.String()]++
	keys := c.index[name.String()]
	delete(c.index, name.String())
	c.mu.Unlock()

	// Pending sets must land before their keys are deleted.
	c.store.Wait()
	for k := range keys {
		c.store.Del(k)
	}
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.store.Wait()
}

func (c *Cache) Close() {
	c.store.Close()
}

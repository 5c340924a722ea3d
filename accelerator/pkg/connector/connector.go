package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

var ErrUnknownConnector = errors.New("unknown connector")

// Connection is an opened federated table and the resources backing it.
type Connection struct {
	Table table.Federated
	close func() error
}

func NewConnection(t table.Federated, closeFn func() error) *Connection {
	return &Connection{Table: t, close: closeFn}
}

func (c *Connection) Close() error {
	if c == nil || c.close == nil {
		return nil
	}
	return c.close()
}

// Factory opens the federated table at path using connector-specific params.
type Factory func(ctx context.Context, log *slog.Logger, path string, params map[string]string) (*Connection, error)

// Registry maps source prefixes such as "postgres" to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(prefix string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(prefix)] = f
}

func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ParseFrom splits a dataset source of the form "<prefix>:<path>".
func ParseFrom(from string) (prefix, path string, err error) {
	prefix, path, ok := strings.Cut(from, ":")
	if !ok || prefix == "" || path == "" {
		return "", "", fmt.Errorf("invalid source %q: expected <connector>:<path>", from)
	}
	return strings.ToLower(prefix), path, nil
}

func (r *Registry) Open(ctx context.Context, log *slog.Logger, from string, params map[string]string) (*Connection, error) {
	prefix, path, err := ParseFrom(from)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[prefix]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownConnector, prefix, strings.Join(r.Prefixes(), ", "))
	}
	conn, err := f(ctx, log, path, params)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", from, err)
	}
	return conn, nil
}

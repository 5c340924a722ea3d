package status

import (
	"maps"
	"sync"

	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the lifecycle state of a dataset. Values are exported as gauge values.
type Status int

const (
	Initializing Status = iota + 1
	Ready
	Disabled
	Error
	Refreshing
	ShuttingDown
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Disabled:
		return "disabled"
	case Error:
		return "error"
	case Refreshing:
		return "refreshing"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Registry tracks the current status of each dataset and mirrors it to a gauge.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]Status
	gauge    *prometheus.GaugeVec
}

// Default is the process-wide registry backing the datasets_status gauge.
var Default = NewRegistry(metrics.DatasetStatus)

// NewRegistry returns a registry; gauge may be nil.
func NewRegistry(gauge *prometheus.GaugeVec) *Registry {
	return &Registry{
		statuses: make(map[string]Status),
		gauge:    gauge,
	}
}

func (r *Registry) Update(name table.Name, s Status) {
	key := name.String()
	r.mu.Lock()
	r.statuses[key] = s
	r.mu.Unlock()
	if r.gauge != nil {
		r.gauge.WithLabelValues(key).Set(float64(s))
	}
}

// Get returns the dataset's status, or Initializing when it has never been reported.
func (r *Registry) Get(name table.Name) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.statuses[name.String()]; ok {
		return s
	}
	return Initializing
}

func (r *Registry) Remove(name table.Name) {
	key := name.String()
	r.mu.Lock()
	delete(r.statuses, key)
	r.mu.Unlock()
	if r.gauge != nil {
		r.gauge.DeleteLabelValues(key)
	}
}

func (r *Registry) All() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.statuses)
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/dataset"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"golang.org/x/time/rate"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultTriggerRate       = rate.Limit(1)
	defaultTriggerBurst      = 5
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// HistoryLister reads recorded refresh runs, newest first.
type HistoryLister interface {
	List(ctx context.Context, dataset string, limit int) ([]history.Run, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Datasets *dataset.Registry
	// History is optional; without it the history endpoint returns 404.
	History HistoryLister

	AllowedOrigins []string
	// TriggerRate and TriggerBurst bound refresh triggers per dataset.
	TriggerRate  rate.Limit
	TriggerBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Datasets == nil {
		return errors.New("dataset registry is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.TriggerRate <= 0 {
		cfg.TriggerRate = defaultTriggerRate
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = defaultTriggerBurst
	}
	return nil
}

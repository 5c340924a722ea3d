package refresh

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// TimeFormat describes how values in the time column encode a point in time.
type TimeFormat string

const (
	TimeFormatTimestamp   TimeFormat = "timestamp"
	TimeFormatTimestamptz TimeFormat = "timestamptz"
	TimeFormatUnixSeconds TimeFormat = "unix_seconds"
	TimeFormatUnixMillis  TimeFormat = "unix_millis"
	TimeFormatISO8601     TimeFormat = "ISO8601"
)

func ParseTimeFormat(s string) (TimeFormat, error) {
	switch strings.ToLower(s) {
	case "", "timestamp":
		return TimeFormatTimestamp, nil
	case "timestamptz":
		return TimeFormatTimestamptz, nil
	case "unix_seconds":
		return TimeFormatUnixSeconds, nil
	case "unix_millis":
		return TimeFormatUnixMillis, nil
	case "iso8601":
		return TimeFormatISO8601, nil
	default:
		return "", fmt.Errorf("unknown time_format %q", s)
	}
}

// Mode is the refresh discipline of a dataset.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeAppend  Mode = "append"
	ModeChanges Mode = "changes"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "full":
		return ModeFull, nil
	case "append":
		return ModeAppend, nil
	case "changes":
		return ModeChanges, nil
	default:
		return "", fmt.Errorf("unknown refresh_mode %q", s)
	}
}

// Config describes how a dataset is refreshed. Zero durations and counts mean unset.
type Config struct {
	Mode Mode

	TimeColumn string
	TimeFormat TimeFormat

	CheckInterval time.Duration
	MaxJitter     time.Duration

	// SQL overrides the federated base query.
	SQL string

	// Period bounds the data window: Full cycles keep rows newer than now-Period,
	// and the first Append cycle into an empty accelerator starts there.
	Period        time.Duration
	AppendOverlap time.Duration

	RetryEnabled     bool
	RetryMaxAttempts int
}

// NewConfig starts a builder for the given mode.
func NewConfig(mode Mode) Config {
	return Config{Mode: mode}
}

func (c Config) WithTimeColumn(column string) Config {
	c.TimeColumn = column
	return c
}

func (c Config) WithTimeFormat(format TimeFormat) Config {
	c.TimeFormat = format
	return c
}

func (c Config) WithCheckInterval(d time.Duration) Config {
	c.CheckInterval = d
	return c
}

func (c Config) WithMaxJitter(d time.Duration) Config {
	c.MaxJitter = d
	return c
}

func (c Config) WithSQL(sql string) Config {
	c.SQL = sql
	return c
}

func (c Config) WithPeriod(d time.Duration) Config {
	c.Period = d
	return c
}

func (c Config) WithAppendOverlap(d time.Duration) Config {
	c.AppendOverlap = d
	return c
}

func (c Config) WithRetry(enabled bool, maxAttempts int) Config {
	c.RetryEnabled = enabled
	c.RetryMaxAttempts = maxAttempts
	return c
}

// EffectiveTimeFormat returns the configured time format, defaulting to timestamp.
func (c Config) EffectiveTimeFormat() TimeFormat {
	if c.TimeFormat == "" {
		return TimeFormatTimestamp
	}
	return c.TimeFormat
}

// Validate checks that the time column exists in the accelerator schema and that its
// physical type matches the time format. It succeeds when no time column is configured.
func (c Config) Validate(dataset table.Name, schema *table.Schema) error {
	if c.TimeColumn == "" {
		return nil
	}

	field, _, ok := schema.FieldByName(c.TimeColumn)
	if !ok {
		return &NoTimeColumnFoundError{
			Table:  dataset.String(),
			Column: c.TimeColumn,
		}
	}

	format := c.EffectiveTimeFormat()
	if !compatible(field.Type, format) {
		return &TimeFormatMismatchError{
			Table:    dataset.String(),
			Column:   c.TimeColumn,
			Expected: format,
			Actual:   field.String(),
		}
	}
	return nil
}

func compatible(t table.DataType, format TimeFormat) bool {
	switch {
	case t.IsString():
		return format == TimeFormatISO8601
	case t.IsNumeric():
		return format == TimeFormatUnixSeconds || format == TimeFormatUnixMillis
	case t == table.Timestamp:
		return format == TimeFormatTimestamp
	case t == table.TimestampTZ:
		return format == TimeFormatTimestamptz
	default:
		return false
	}
}

// Shared holds a Config that may be replaced while the scheduler runs.
// Readers take a snapshot; writers must not block inside Update.
type Shared struct {
	mu  sync.RWMutex
	cfg Config
}

func NewShared(cfg Config) *Shared {
	return &Shared{cfg: cfg}
}

func (s *Shared) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Shared) Update(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

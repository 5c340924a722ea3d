package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/connector"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"gopkg.in/yaml.v3"
)

const (
	EngineClickHouse = "clickhouse"
	EngineMemory     = "memory"
)

// Duration is a time.Duration written in Go duration syntax ("30s", "1h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: duration %q must not be negative", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the datasets file loaded at startup.
type File struct {
	Datasets []Dataset `yaml:"datasets"`
}

type Dataset struct {
	Name string `yaml:"name"`
	// From is "<connector>:<path>", for example "postgres:public.orders".
	From       string            `yaml:"from"`
	Params     map[string]string `yaml:"params"`
	PrimaryKey []string          `yaml:"primary_key"`

	Acceleration Acceleration `yaml:"acceleration"`
}

type Acceleration struct {
	Enabled bool   `yaml:"enabled"`
	Engine  string `yaml:"engine"`
	// OrderBy is the sorting key of ClickHouse accelerator tables. It defaults to the primary key.
	OrderBy []string `yaml:"order_by"`

	RefreshMode             string   `yaml:"refresh_mode"`
	RefreshCheckInterval    Duration `yaml:"refresh_check_interval"`
	RefreshMaxJitter        Duration `yaml:"refresh_max_jitter"`
	RefreshSQL              string   `yaml:"refresh_sql"`
	RefreshDataWindow       Duration `yaml:"refresh_data_window"`
	RefreshAppendOverlap    Duration `yaml:"refresh_append_overlap"`
	TimeColumn              string   `yaml:"time_column"`
	TimeFormat              string   `yaml:"time_format"`
	RefreshRetryEnabled     *bool    `yaml:"refresh_retry_enabled"`
	RefreshRetryMaxAttempts int      `yaml:"refresh_retry_max_attempts"`

	Changes *Changes `yaml:"changes"`
}

// Changes configures the Kafka topic carrying Debezium change events for changes mode.
type Changes struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

// Load reads and validates the datasets file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open datasets file: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a datasets file. Unknown keys are rejected and ${VAR} references
// in connector params are expanded from the environment.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read datasets file: %w", err)
	}

	var cfg File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse datasets file: %w", err)
	}

	for i := range cfg.Datasets {
		for k, v := range cfg.Datasets[i].Params {
			cfg.Datasets[i].Params[k] = os.ExpandEnv(v)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Datasets))
	for i := range f.Datasets {
		ds := &f.Datasets[i]
		if ds.Name == "" {
			return fmt.Errorf("dataset %d: name is required", i)
		}
		if _, ok := seen[ds.Name]; ok {
			return fmt.Errorf("dataset %s: duplicate name", ds.Name)
		}
		seen[ds.Name] = struct{}{}
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
	}
	return nil
}

func (d *Dataset) Validate() error {
	if _, _, err := connector.ParseFrom(d.From); err != nil {
		return err
	}
	if !d.Acceleration.Enabled {
		return nil
	}

	switch strings.ToLower(d.Acceleration.Engine) {
	case "", EngineClickHouse, EngineMemory:
	default:
		return fmt.Errorf("unknown acceleration engine %q", d.Acceleration.Engine)
	}

	cfg, err := d.Acceleration.RefreshConfig()
	if err != nil {
		return err
	}
	if cfg.Mode == refresh.ModeAppend && cfg.AppendOverlap > 0 && cfg.TimeColumn == "" {
		return errors.New("refresh_append_overlap requires time_column")
	}
	if cfg.Mode == refresh.ModeChanges {
		if len(d.PrimaryKey) == 0 {
			return errors.New("changes mode requires primary_key")
		}
		if d.Acceleration.Changes == nil {
			return errors.New("changes mode requires a changes block")
		}
	}
	return nil
}

// TableName is the dataset identity parsed from Name.
func (d *Dataset) TableName() table.Name {
	return table.ParseName(d.Name)
}

// EngineName returns the accelerator engine, defaulting to ClickHouse.
func (a Acceleration) EngineName() string {
	if a.Engine == "" {
		return EngineClickHouse
	}
	return strings.ToLower(a.Engine)
}

// RefreshConfig converts the acceleration block to a refresh.Config. Retries are
// enabled unless refresh_retry_enabled is explicitly false.
func (a Acceleration) RefreshConfig() (refresh.Config, error) {
	mode, err := refresh.ParseMode(a.RefreshMode)
	if err != nil {
		return refresh.Config{}, err
	}
	var format refresh.TimeFormat
	if a.TimeFormat != "" {
		if format, err = refresh.ParseTimeFormat(a.TimeFormat); err != nil {
			return refresh.Config{}, err
		}
	}
	if a.RefreshRetryMaxAttempts < 0 {
		return refresh.Config{}, errors.New("refresh_retry_max_attempts must not be negative")
	}
	retry := a.RefreshRetryEnabled == nil || *a.RefreshRetryEnabled

	return refresh.NewConfig(mode).
		WithTimeColumn(a.TimeColumn).
		WithTimeFormat(format).
		WithCheckInterval(a.RefreshCheckInterval.Std()).
		WithMaxJitter(a.RefreshMaxJitter.Std()).
		WithSQL(a.RefreshSQL).
		WithPeriod(a.RefreshDataWindow.Std()).
		WithAppendOverlap(a.RefreshAppendOverlap.Std()).
		WithRetry(retry, a.RefreshRetryMaxAttempts), nil
}

package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/accel/accelerator/pkg/cache"
	"github.com/malbeclabs/accel/accelerator/pkg/changes"
	"github.com/malbeclabs/accel/accelerator/pkg/clickhouse"
	"github.com/malbeclabs/accel/accelerator/pkg/config"
	"github.com/malbeclabs/accel/accelerator/pkg/connector"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// Deps are the process-wide collaborators shared by every dataset.
type Deps struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Connectors *connector.Registry

	// ClickHouse hosts accelerator tables for the clickhouse engine.
	ClickHouse         clickhouse.Client
	ClickHouseDatabase string

	Cache   *cache.Cache
	Status  *status.Registry
	History history.Recorder
	OnError func(name table.Name, err error)
}

// AcceleratorTableName is the ClickHouse table holding the accelerated copy of name.
func AcceleratorTableName(name table.Name) string {
	return "accel_" + strings.ReplaceAll(name.String(), ".", "_")
}

// Open connects to the dataset's federated source, prepares its accelerator and
// returns the unstarted dataset.
func Open(ctx context.Context, deps Deps, def config.Dataset) (*AcceleratedTable, error) {
	if deps.Connectors == nil {
		return nil, errors.New("connector registry is required")
	}
	log := deps.Logger.With("dataset", def.Name)
	name := def.TableName()

	conn, err := deps.Connectors.Open(ctx, log, def.From, def.Params)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Logger:    log,
		Clock:     deps.Clock,
		Name:      name,
		Federated: conn.Table,
		Enabled:   def.Acceleration.Enabled,
		Cache:     deps.Cache,
		Status:    deps.Status,
		History:   deps.History,
		OnError:   deps.OnError,
		Closer:    conn.Close,
	}
	if cfg.Enabled {
		if err := prepareAcceleration(ctx, deps, def, &cfg); err != nil {
			return nil, errors.Join(err, conn.Close())
		}
	}

	t, err := New(cfg)
	if err != nil {
		var closeErr error
		if cfg.Changes != nil {
			closeErr = cfg.Changes.Close()
		}
		return nil, errors.Join(fmt.Errorf("dataset %s: %w", name, err), closeErr, conn.Close())
	}
	return t, nil
}

func prepareAcceleration(ctx context.Context, deps Deps, def config.Dataset, cfg *Config) error {
	rc, err := def.Acceleration.RefreshConfig()
	if err != nil {
		return err
	}
	cfg.Refresh = rc
	schema := cfg.Federated.Schema()

	switch engine := def.Acceleration.EngineName(); engine {
	case config.EngineMemory:
		cfg.Accelerator = table.NewMemTable(schema)
	case config.EngineClickHouse:
		if deps.ClickHouse == nil {
			return errors.New("clickhouse engine requires a clickhouse connection")
		}
		orderBy := def.Acceleration.OrderBy
		if len(orderBy) == 0 {
			orderBy = def.PrimaryKey
		}
		accel, err := clickhouse.EnsureTable(ctx, cfg.Logger, deps.ClickHouse, deps.ClickHouseDatabase,
			AcceleratorTableName(cfg.Name), schema, orderBy)
		if err != nil {
			return err
		}
		cfg.Accelerator = accel
	default:
		return fmt.Errorf("unknown acceleration engine %q", engine)
	}

	if rc.Mode != refresh.ModeChanges {
		return nil
	}
	dec, err := changes.NewDecoder(schema, def.PrimaryKey)
	if err != nil {
		return err
	}
	c := def.Acceleration.Changes
	if c == nil {
		return errors.New("changes mode requires a changes block")
	}
	stream, err := changes.NewKafkaStream(changes.KafkaConfig{
		Logger:  cfg.Logger,
		Brokers: c.Brokers,
		Topic:   c.Topic,
		Group:   c.Group,
		Decoder: dec,
	})
	if err != nil {
		return err
	}
	cfg.Changes = stream
	return nil
}

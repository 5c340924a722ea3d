package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/accel/accelerator/pkg/sqlgen"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

type SourceConfig struct {
	Logger *slog.Logger
	Client Client
	// Database defaults to the client's database when empty.
	Database string
	Table    string
}

func (cfg *SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	return nil
}

// Source is a federated table read from ClickHouse.
type Source struct {
	log      *slog.Logger
	client   Client
	database string
	name     string
	relation string
	schema   *table.Schema
}

var _ table.Federated = (*Source)(nil)

func NewSource(ctx context.Context, cfg SourceConfig) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	conn, err := cfg.Client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	database := cfg.Database
	if database == "" {
		if database, err = currentDatabase(ctx, conn); err != nil {
			return nil, err
		}
	}
	schema, err := LoadSchema(ctx, conn, database, cfg.Table)
	if err != nil {
		return nil, err
	}
	return &Source{
		log:      cfg.Logger,
		client:   cfg.Client,
		database: database,
		name:     cfg.Table,
		relation: sqlgen.ClickHouse.QuoteName(table.Name{Schema: database, Table: cfg.Table}),
		schema:   schema,
	}, nil
}

func currentDatabase(ctx context.Context, conn Connection) (string, error) {
	rows, err := conn.Query(ctx, "SELECT currentDatabase()")
	if err != nil {
		return "", fmt.Errorf("failed to get current database: %w", err)
	}
	defer rows.Close()
	var database string
	if rows.Next() {
		if err := rows.Scan(&database); err != nil {
			return "", fmt.Errorf("failed to scan current database: %w", err)
		}
	}
	return database, rows.Err()
}

func (s *Source) Schema() *table.Schema {
	return s.schema
}

func (s *Source) Scan(ctx context.Context, req table.ScanRequest) ([]table.Row, error) {
	query, args := sqlgen.ClickHouse.Select(s.relation, req)
	return s.query(ctx, query, args...)
}

func (s *Source) query(ctx context.Context, query string, args ...any) ([]table.Row, error) {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	s.log.Debug("clickhouse: query", "table", s.name, "query", query)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

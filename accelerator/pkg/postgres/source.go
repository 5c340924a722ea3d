package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/sqlgen"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

const (
	defaultSchema = "public"
	backendLabel  = "postgres"
)

type SourceConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	// Schema defaults to public.
	Schema string
	Table  string
}

func (cfg *SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = defaultSchema
	}
	return nil
}

// Source is a federated table read from Postgres.
type Source struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	name     table.Name
	relation string
	schema   *table.Schema
}

var _ table.Federated = (*Source)(nil)

func NewSource(ctx context.Context, cfg SourceConfig) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	name := table.Name{Schema: cfg.Schema, Table: cfg.Table}
	schema, err := loadSchema(ctx, cfg.Pool, name)
	if err != nil {
		return nil, err
	}
	return &Source{
		log:      cfg.Logger,
		pool:     cfg.Pool,
		name:     name,
		relation: sqlgen.Postgres.QuoteName(name),
		schema:   schema,
	}, nil
}

func loadSchema(ctx context.Context, pool *pgxpool.Pool, name table.Name) (*table.Schema, error) {
	rows, err := pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, name.Schema, name.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var fields []table.Field
	for rows.Next() {
		var (
			colName, dataType string
			nullable          bool
		)
		if err := rows.Scan(&colName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		f := table.Field{Name: colName, Type: dataTypeOf(dataType), Nullable: nullable}
		if f.Type == table.TimestampTZ {
			f.TimeZone = "UTC"
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return table.NewSchema(fields...), nil
}

func dataTypeOf(pgType string) table.DataType {
	switch strings.ToLower(pgType) {
	case "boolean":
		return table.Boolean
	case "smallint":
		return table.Int16
	case "integer":
		return table.Int32
	case "bigint":
		return table.Int64
	case "real":
		return table.Float32
	case "double precision":
		return table.Float64
	case "numeric":
		return table.Decimal
	case "text", "character varying", "character", "name", "citext":
		return table.Utf8
	case "json", "jsonb", "xml":
		return table.LargeUtf8
	case "bytea":
		return table.Binary
	case "uuid":
		return table.UUID
	case "date":
		return table.Date
	case "time without time zone", "time with time zone":
		return table.Time
	case "interval":
		return table.Duration
	case "timestamp without time zone":
		return table.Timestamp
	case "timestamp with time zone":
		return table.TimestampTZ
	case "array":
		return table.List
	default:
		return table.Binary
	}
}

func (s *Source) Schema() *table.Schema {
	return s.schema
}

func (s *Source) Scan(ctx context.Context, req table.ScanRequest) ([]table.Row, error) {
	query, args := sqlgen.Postgres.Select(s.relation, req)
	s.log.Debug("postgres: query", "table", s.name, "query", query)

	start := time.Now()
	out, err := s.scan(ctx, query, args)
	metrics.DatabaseQueryDuration.WithLabelValues(backendLabel).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(backendLabel, status).Inc()
	return out, err
}

func (s *Source) scan(ctx context.Context, query string, args []any) ([]table.Row, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (table.Row, error) {
		values, err := r.Values()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		return table.Row(values), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}
	return out, nil
}

// normalize converts pgx wire types without a plain Go equivalent.
func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

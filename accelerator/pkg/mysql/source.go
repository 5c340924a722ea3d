package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/sqlgen"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

const backendLabel = "mysql"

type DBConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	TLS      bool
}

func (cfg *DBConfig) Validate() error {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:3306"
	}
	if cfg.Database == "" {
		return errors.New("database is required")
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

func (cfg *DBConfig) DSN() string {
	c := gomysql.NewConfig()
	c.Net = "tcp"
	c.Addr = cfg.Addr
	c.DBName = cfg.Database
	c.User = cfg.Username
	c.Passwd = cfg.Password
	c.ParseTime = true
	c.Loc = time.UTC
	if cfg.TLS {
		c.TLSConfig = "true"
	}
	return c.FormatDSN()
}

// Open opens and pings a MySQL database handle.
func Open(ctx context.Context, log *slog.Logger, cfg DBConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}
	log.Info("mysql: connection initialized", "addr", cfg.Addr, "database", cfg.Database)
	return db, nil
}

type SourceConfig struct {
	Logger *slog.Logger
	DB     *sql.DB
	// Database defaults to the connection's current database.
	Database string
	Table    string
}

func (cfg *SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	return nil
}

// Source is a federated table read from MySQL.
type Source struct {
	log      *slog.Logger
	db       *sql.DB
	name     table.Name
	relation string
	schema   *table.Schema
}

var _ table.Federated = (*Source)(nil)

func NewSource(ctx context.Context, cfg SourceConfig) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	database := cfg.Database
	if database == "" {
		if err := cfg.DB.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&database); err != nil {
			return nil, fmt.Errorf("failed to get current database: %w", err)
		}
	}
	name := table.Name{Schema: database, Table: cfg.Table}
	schema, err := loadSchema(ctx, cfg.DB, name)
	if err != nil {
		return nil, err
	}
	return &Source{
		log:      cfg.Logger,
		db:       cfg.DB,
		name:     name,
		relation: sqlgen.MySQL.QuoteName(name),
		schema:   schema,
	}, nil
}

func loadSchema(ctx context.Context, db *sql.DB, name table.Name) (*table.Schema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE = 'YES'
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, name.Schema, name.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var fields []table.Field
	for rows.Next() {
		var (
			colName, dataType, columnType string
			nullable                      bool
		)
		if err := rows.Scan(&colName, &dataType, &columnType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		fields = append(fields, table.Field{Name: colName, Type: dataTypeOf(dataType, columnType), Nullable: nullable})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return table.NewSchema(fields...), nil
}

func dataTypeOf(dataType, columnType string) table.DataType {
	unsigned := strings.Contains(strings.ToLower(columnType), "unsigned")
	pick := func(signed, unsignedType table.DataType) table.DataType {
		if unsigned {
			return unsignedType
		}
		return signed
	}
	switch strings.ToLower(dataType) {
	case "tinyint":
		if strings.EqualFold(columnType, "tinyint(1)") {
			return table.Boolean
		}
		return pick(table.Int8, table.UInt8)
	case "smallint":
		return pick(table.Int16, table.UInt16)
	case "mediumint", "int", "integer":
		return pick(table.Int32, table.UInt32)
	case "bigint":
		return pick(table.Int64, table.UInt64)
	case "float":
		return table.Float32
	case "double", "real":
		return table.Float64
	case "decimal", "numeric":
		return table.Decimal
	case "char", "varchar", "tinytext", "text", "mediumtext", "enum", "set":
		return table.Utf8
	case "longtext", "json":
		return table.LargeUtf8
	case "date":
		return table.Date
	case "time":
		return table.Time
	case "datetime":
		return table.Timestamp
	case "timestamp":
		// Stored in UTC and converted to the session zone on read.
		return table.Timestamp
	default:
		return table.Binary
	}
}

func (s *Source) Schema() *table.Schema {
	return s.schema
}

func (s *Source) Scan(ctx context.Context, req table.ScanRequest) ([]table.Row, error) {
	query, args := sqlgen.MySQL.Select(s.relation, req)
	s.log.Debug("mysql: query", "table", s.name, "query", query)

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
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}
	ptrs := make([]any, len(colTypes))
	decimals := make([]bool, len(colTypes))
	for i, ct := range colTypes {
		ptrs[i] = reflect.New(ct.ScanType()).Interface()
		decimals[i] = ct.DatabaseTypeName() == "DECIMAL"
	}

	var out []table.Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(table.Row, len(ptrs))
		for i, p := range ptrs {
			row[i] = normalize(reflect.ValueOf(p).Elem().Interface())
			if decimals[i] {
				row[i] = decimalValue(row[i])
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// normalize unwraps sql.Null* wrappers and copies driver-owned byte buffers.
func normalize(v any) any {
	switch x := v.(type) {
	case sql.RawBytes:
		if x == nil {
			return nil
		}
		return string(x)
	case []byte:
		if x == nil {
			return nil
		}
		return string(x)
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil
		}
		return normalize(dv)
	default:
		return v
	}
}

// decimalValue converts the driver's textual DECIMAL encoding to float64.
func decimalValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return v
	}
	return f
}

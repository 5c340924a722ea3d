package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/accel/accelerator/pkg/sqlgen"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// columnType maps a field to the ClickHouse type used for accelerated copies.
func columnType(f table.Field) (string, error) {
	var t string
	switch f.Type {
	case table.Boolean:
		t = "Bool"
	case table.Int8, table.Int16, table.Int32, table.Int64,
		table.UInt8, table.UInt16, table.UInt32, table.UInt64:
		t = f.Type.String()
	case table.Float16, table.Float32:
		t = "Float32"
	case table.Float64, table.Decimal:
		t = "Float64"
	case table.Utf8, table.LargeUtf8, table.Binary:
		t = "String"
	case table.UUID:
		t = "UUID"
	case table.Date:
		t = "Date32"
	case table.Timestamp:
		t = "DateTime64(6)"
	case table.TimestampTZ:
		tz := f.TimeZone
		if tz == "" {
			tz = "UTC"
		}
		t = fmt.Sprintf("DateTime64(6, '%s')", strings.ReplaceAll(tz, "'", ""))
	default:
		return "", fmt.Errorf("column %s: type %s cannot be accelerated", f.Name, f.Type)
	}
	if f.Nullable {
		t = "Nullable(" + t + ")"
	}
	return t, nil
}

// CreateTableDDL renders a MergeTree table for schema ordered by orderBy.
func CreateTableDDL(database, name string, schema *table.Schema, orderBy []string) (string, error) {
	cols := make([]string, 0, schema.Len())
	for _, f := range schema.Fields() {
		t, err := columnType(f)
		if err != nil {
			return "", err
		}
		cols = append(cols, fmt.Sprintf("%s %s", sqlgen.ClickHouse.QuoteIdent(f.Name), t))
	}
	order := "tuple()"
	if len(orderBy) > 0 {
		quoted := make([]string, len(orderBy))
		for i, c := range orderBy {
			if _, _, ok := schema.FieldByName(c); !ok {
				return "", fmt.Errorf("order by column %q not found", c)
			}
			quoted[i] = sqlgen.ClickHouse.QuoteIdent(c)
		}
		order = "(" + strings.Join(quoted, ", ") + ")"
	}
	relation := sqlgen.ClickHouse.QuoteName(table.Name{Schema: database, Table: name})
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s SETTINGS allow_nullable_key = 1",
		relation, strings.Join(cols, ", "), order), nil
}

// EnsureTable creates the accelerator table for schema when it does not exist
// and opens it.
func EnsureTable(ctx context.Context, log *slog.Logger, client Client, database, name string, schema *table.Schema, orderBy []string) (*Table, error) {
	ddl, err := CreateTableDDL(database, name, schema, orderBy)
	if err != nil {
		return nil, err
	}
	conn, err := client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create accelerator table %s: %w", name, err)
	}
	return NewTable(ctx, SourceConfig{Logger: log, Client: client, Database: database, Table: name})
}

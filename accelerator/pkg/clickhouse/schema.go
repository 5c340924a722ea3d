package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// LoadSchema reads the column layout of a table from system.columns.
func LoadSchema(ctx context.Context, conn Connection, database, name string) (*table.Schema, error) {
	rows, err := conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		database, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var fields []table.Field
	for rows.Next() {
		var colName, colType string
		if err := rows.Scan(&colName, &colType); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		f := parseType(colType)
		f.Name = colName
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", database, name)
	}
	return table.NewSchema(fields...), nil
}

// parseType maps a ClickHouse type name to a field. Name is left empty.
func parseType(chType string) table.Field {
	var f table.Field
	t := strings.TrimSpace(chType)
	for {
		switch {
		case unwrap(&t, "LowCardinality("):
		case unwrap(&t, "Nullable("):
			f.Nullable = true
		default:
			f.Type, f.TimeZone = baseType(t)
			return f
		}
	}
}

func unwrap(t *string, prefix string) bool {
	if !strings.HasPrefix(*t, prefix) || !strings.HasSuffix(*t, ")") {
		return false
	}
	*t = strings.TrimSuffix(strings.TrimPrefix(*t, prefix), ")")
	return true
}

func baseType(t string) (table.DataType, string) {
	name, args, _ := strings.Cut(t, "(")
	args = strings.TrimSuffix(args, ")")

	switch name {
	case "Bool":
		return table.Boolean, ""
	case "Int8":
		return table.Int8, ""
	case "Int16":
		return table.Int16, ""
	case "Int32":
		return table.Int32, ""
	case "Int64":
		return table.Int64, ""
	case "UInt8":
		return table.UInt8, ""
	case "UInt16":
		return table.UInt16, ""
	case "UInt32":
		return table.UInt32, ""
	case "UInt64":
		return table.UInt64, ""
	case "Float32":
		return table.Float32, ""
	case "Float64":
		return table.Float64, ""
	case "Decimal", "Decimal32", "Decimal64", "Decimal128", "Decimal256", "Int128", "Int256", "UInt128", "UInt256":
		return table.Decimal, ""
	case "String", "FixedString", "Enum8", "Enum16":
		return table.Utf8, ""
	case "UUID":
		return table.UUID, ""
	case "Date", "Date32":
		return table.Date, ""
	case "DateTime":
		if tz := quotedArg(args, 0); tz != "" {
			return table.TimestampTZ, tz
		}
		return table.Timestamp, ""
	case "DateTime64":
		if tz := quotedArg(args, 1); tz != "" {
			return table.TimestampTZ, tz
		}
		return table.Timestamp, ""
	case "Array":
		return table.List, ""
	case "Tuple", "Nested":
		return table.Struct, ""
	case "Map":
		return table.Map, ""
	default:
		return table.Binary, ""
	}
}

func quotedArg(args string, i int) string {
	if args == "" {
		return ""
	}
	parts := strings.Split(args, ",")
	if i >= len(parts) {
		return ""
	}
	return strings.Trim(strings.TrimSpace(parts[i]), "'")
}

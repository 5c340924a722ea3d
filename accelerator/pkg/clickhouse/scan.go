package clickhouse

import (
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// scanTargets allocates one pointer per column using the driver's scan type,
// so Nullable columns scan into **T.
func scanTargets(columnTypes []driver.ColumnType) []any {
	ptrs := make([]any, len(columnTypes))
	for i, ct := range columnTypes {
		st := ct.ScanType()
		if st == nil {
			var v any
			ptrs[i] = &v
			continue
		}
		ptrs[i] = reflect.New(st).Interface()
	}
	return ptrs
}

func dereference(ptr any) any {
	v := reflect.ValueOf(ptr)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func scanRows(rows driver.Rows) ([]table.Row, error) {
	ptrs := scanTargets(rows.ColumnTypes())

	var out []table.Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(table.Row, len(ptrs))
		for i, p := range ptrs {
			row[i] = dereference(p)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

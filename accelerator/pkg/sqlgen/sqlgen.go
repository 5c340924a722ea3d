package sqlgen

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// Dialect describes identifier quoting and bind placeholders for a SQL backend.
type Dialect struct {
	Name string
	// Quote is the identifier quote character.
	Quote byte
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder func(n int) string
}

var (
	ClickHouse = Dialect{Name: "clickhouse", Quote: '`', Placeholder: question}
	MySQL      = Dialect{Name: "mysql", Quote: '`', Placeholder: question}
	Postgres   = Dialect{Name: "postgres", Quote: '"', Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
)

func question(int) string { return "?" }

// QuoteIdent quotes a single identifier, doubling embedded quote characters.
func (d Dialect) QuoteIdent(name string) string {
	q := string(d.Quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteName quotes each dotted part of a table name.
func (d Dialect) QuoteName(name table.Name) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{name.Catalog, name.Schema, name.Table} {
		if p != "" {
			parts = append(parts, d.QuoteIdent(p))
		}
	}
	return strings.Join(parts, ".")
}

// Select builds a query over relation, or over req.Query as a subquery when it is set.
func (d Dialect) Select(relation string, req table.ScanRequest) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(req.Columns) == 0 {
		b.WriteString("*")
	} else {
		for i, c := range req.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.QuoteIdent(c))
		}
	}
	b.WriteString(" FROM ")
	if req.Query != "" {
		b.WriteString("(")
		b.WriteString(strings.TrimRight(strings.TrimSpace(req.Query), ";"))
		b.WriteString(") AS refresh_source")
	} else {
		b.WriteString(relation)
	}

	args := make([]any, 0, len(req.Filters))
	for i, f := range req.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&b, "%s %s %s", d.QuoteIdent(f.Column), f.Op, d.Placeholder(len(args)))
	}
	return b.String(), args
}

// Max builds a query returning the maximum of column and the row count.
func (d Dialect) Max(relation, column string) string {
	return fmt.Sprintf("SELECT max(%s), count(*) FROM %s", d.QuoteIdent(column), relation)
}

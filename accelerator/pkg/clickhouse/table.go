package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/accel/accelerator/pkg/sqlgen"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

const stagingDropTimeout = 30 * time.Second

// Table is a ClickHouse table used as an accelerator.
type Table struct {
	*Source
}

var (
	_ table.Accelerator   = (*Table)(nil)
	_ table.MaxFinder     = (*Table)(nil)
	_ table.ChangeApplier = (*Table)(nil)
)

func NewTable(ctx context.Context, cfg SourceConfig) (*Table, error) {
	src, err := NewSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Table{Source: src}, nil
}

func (t *Table) Insert(ctx context.Context, rows []table.Row) error {
	conn, err := t.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	return t.insertInto(ctx, conn, t.relation, rows)
}

func (t *Table) insertInto(ctx context.Context, conn Connection, relation string, rows []table.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, t.schema.Len())
	for _, name := range t.schema.Names() {
		cols = append(cols, sqlgen.ClickHouse.QuoteIdent(name))
	}

	t.log.Debug("clickhouse: writing batch", "table", t.name, "count", len(rows))

	batch, err := conn.PrepareBatch(ContextWithSyncInsert(ctx),
		fmt.Sprintf("INSERT INTO %s (%s)", relation, strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close() // Always release the connection back to the pool

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}
		if len(row) != len(cols) {
			return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), len(cols))
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Overwrite loads rows into a staging table and swaps it in atomically, so
// readers never observe a partially refreshed table and a cancelled refresh
// leaves the previous contents in place.
func (t *Table) Overwrite(ctx context.Context, rows []table.Row) error {
	conn, err := t.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	t.dropStaleStaging(ctx, conn)

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	staging := sqlgen.ClickHouse.QuoteName(table.Name{Schema: t.database, Table: t.name + "__refresh_" + suffix})

	if err := conn.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", staging, t.relation)); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	defer func() {
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stagingDropTimeout)
		defer cancel()
		if err := conn.Exec(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", staging)); err != nil {
			t.log.Warn("clickhouse: failed to drop staging table", "table", t.name, "staging", staging, "error", err)
		}
	}()

	if err := t.insertInto(ctx, conn, staging, rows); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", t.relation, staging)); err != nil {
		return fmt.Errorf("failed to swap staging table: %w", err)
	}
	return nil
}

// dropStaleStaging removes staging tables left by a process that died mid-swap.
func (t *Table) dropStaleStaging(ctx context.Context, conn Connection) {
	rows, err := conn.Query(ctx,
		"SELECT name FROM system.tables WHERE database = ? AND startsWith(name, ?)",
		t.database, t.name+"__refresh_")
	if err != nil {
		t.log.Warn("clickhouse: failed to list staging tables", "table", t.name, "error", err)
		return
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			stale = append(stale, name)
		}
	}
	rows.Close()

	for _, name := range stale {
		relation := sqlgen.ClickHouse.QuoteName(table.Name{Schema: t.database, Table: name})
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", relation)); err != nil {
			t.log.Warn("clickhouse: failed to drop stale staging table", "table", t.name, "staging", name, "error", err)
		}
	}
}

func (t *Table) Max(ctx context.Context, column string) (any, bool, error) {
	if _, _, ok := t.schema.FieldByName(column); !ok {
		return nil, false, fmt.Errorf("column %q not found", column)
	}
	rows, err := t.query(ctx, sqlgen.ClickHouse.Max(t.relation, column))
	if err != nil {
		return nil, false, err
	}
	// max() over an empty table returns the type's default value, not NULL.
	if len(rows) == 0 || rows[0][1] == uint64(0) {
		return nil, false, nil
	}
	return rows[0][0], rows[0][0] != nil, nil
}

// ApplyChanges deletes every key touched by the batch and re-inserts the final
// image of keys whose last change was an insert or update.
func (t *Table) ApplyChanges(ctx context.Context, batch table.ChangeBatch) error {
	if len(batch.PrimaryKey) == 0 {
		return errors.New("primary key is required to apply changes")
	}
	if _, err := t.schema.Project(batch.PrimaryKey); err != nil {
		return fmt.Errorf("invalid primary key: %w", err)
	}
	if len(batch.Changes) == 0 {
		return nil
	}

	final := make(map[string]table.Change, len(batch.Changes))
	order := make([]string, 0, len(batch.Changes))
	for _, ch := range batch.Changes {
		k := ch.Key.Key()
		if _, seen := final[k]; !seen {
			order = append(order, k)
		}
		final[k] = ch
	}

	conn, err := t.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	keyCols := make([]string, len(batch.PrimaryKey))
	for i, c := range batch.PrimaryKey {
		keyCols[i] = sqlgen.ClickHouse.QuoteIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(keyCols)), ", ") + ")"
	tuples := make([]string, 0, len(order))
	args := make([]any, 0, len(order)*len(keyCols))
	upserts := make([]table.Row, 0, len(order))
	for _, k := range order {
		ch := final[k]
		if len(ch.Key) != len(keyCols) {
			return fmt.Errorf("%s change has %d key values, expected %d", ch.Op, len(ch.Key), len(keyCols))
		}
		tuples = append(tuples, tuple)
		args = append(args, ch.Key...)
		if ch.Op != table.ChangeDelete {
			upserts = append(upserts, ch.Data)
		}
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (%s) SETTINGS lightweight_deletes_sync = 2",
		t.relation, strings.Join(keyCols, ", "), strings.Join(tuples, ", "))
	if err := conn.Exec(ctx, del, args...); err != nil {
		return fmt.Errorf("failed to delete changed keys: %w", err)
	}
	return t.insertInto(ctx, conn, t.relation, upserts)
}

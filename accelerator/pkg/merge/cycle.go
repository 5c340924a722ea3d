package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// fullCycle replaces the accelerator contents with the federated rows, limited
// to the configured period when a time column is set.
func (t *Task) fullCycle(ctx context.Context, cfg refresh.Config) (int, error) {
	schema := t.cfg.Accelerator.Schema()
	req := table.ScanRequest{Query: cfg.SQL, Columns: schema.Names()}

	windowed := cfg.TimeColumn != "" && cfg.Period > 0
	var since time.Time
	if windowed {
		since = t.cfg.Clock.Now().Add(-cfg.Period)
		req.Filters = t.timeFilters(cfg, since, table.OpGreaterOrEqual)
	}

	rows, err := t.cfg.Federated.Scan(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to scan federated table: %w", err)
	}
	if windowed {
		rows, err = t.keepSince(schema, cfg, rows, since, true)
		if err != nil {
			return 0, err
		}
	}

	if err := t.cfg.Accelerator.Overwrite(ctx, rows); err != nil {
		return 0, fmt.Errorf("failed to overwrite accelerator: %w", err)
	}
	return len(rows), nil
}

// appendCycle inserts federated rows newer than the accelerator's watermark.
//
// The watermark is the newest accelerated time minus the append overlap. Rows
// at or before it are skipped. Rows after it that are already present in the
// accelerator, compared column by column, are skipped as well, so re-reading
// the overlap window does not duplicate data.
func (t *Task) appendCycle(ctx context.Context, cfg refresh.Config) (int, error) {
	if cfg.TimeColumn == "" {
		return 0, permanent(fmt.Errorf("append refresh of %s requires a time column", t.cfg.Name))
	}
	schema := t.cfg.Accelerator.Schema()
	if _, _, ok := schema.FieldByName(cfg.TimeColumn); !ok {
		return 0, permanent(&refresh.NoTimeColumnFoundError{Table: t.cfg.Name.String(), Column: cfg.TimeColumn})
	}

	newest, hasNewest, err := t.maxTime(ctx, cfg)
	if err != nil {
		return 0, err
	}

	var watermark time.Time
	hasWatermark := true
	switch {
	case hasNewest:
		watermark = newest.Add(-cfg.AppendOverlap)
	case cfg.Period > 0:
		watermark = t.cfg.Clock.Now().Add(-cfg.Period)
	default:
		hasWatermark = false
	}

	req := table.ScanRequest{Query: cfg.SQL, Columns: schema.Names()}
	if hasWatermark {
		req.Filters = t.timeFilters(cfg, watermark, table.OpGreater)
	}
	incoming, err := t.cfg.Federated.Scan(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to scan federated table: %w", err)
	}
	if !hasWatermark {
		return t.insert(ctx, incoming)
	}

	incoming, err = t.keepSince(schema, cfg, incoming, watermark, false)
	if err != nil {
		return 0, err
	}
	if len(incoming) > 0 && hasNewest && cfg.AppendOverlap > 0 {
		existing, err := t.cfg.Accelerator.Scan(ctx, table.ScanRequest{
			Columns: schema.Names(),
			Filters: t.timeFilters(cfg, watermark, table.OpGreater),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to scan accelerator overlap: %w", err)
		}
		existing, err = t.keepSince(schema, cfg, existing, watermark, false)
		if err != nil {
			return 0, err
		}
		incoming = withoutExisting(incoming, existing)
	}
	return t.insert(ctx, incoming)
}

func (t *Task) insert(ctx context.Context, rows []table.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.cfg.Accelerator.Insert(ctx, rows); err != nil {
		return 0, fmt.Errorf("failed to insert into accelerator: %w", err)
	}
	return len(rows), nil
}

// maxTime returns the newest time column value held by the accelerator.
func (t *Task) maxTime(ctx context.Context, cfg refresh.Config) (time.Time, bool, error) {
	format := cfg.EffectiveTimeFormat()

	// String ordering does not follow time ordering for ISO8601 values with offsets.
	if finder, ok := t.cfg.Accelerator.(table.MaxFinder); ok && format != refresh.TimeFormatISO8601 {
		v, found, err := finder.Max(ctx, cfg.TimeColumn)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to get max %s: %w", cfg.TimeColumn, err)
		}
		if !found {
			return time.Time{}, false, nil
		}
		ts, ok, err := toTime(v, format)
		if err != nil {
			return time.Time{}, false, permanent(fmt.Errorf("invalid %s value: %w", cfg.TimeColumn, err))
		}
		return ts, ok, nil
	}

	rows, err := t.cfg.Accelerator.Scan(ctx, table.ScanRequest{Columns: []string{cfg.TimeColumn}})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to scan %s: %w", cfg.TimeColumn, err)
	}
	var newest time.Time
	found := false
	for _, row := range rows {
		ts, ok, err := toTime(row[0], format)
		if err != nil {
			return time.Time{}, false, permanent(fmt.Errorf("invalid %s value: %w", cfg.TimeColumn, err))
		}
		if ok && (!found || ts.After(newest)) {
			newest, found = ts, true
		}
	}
	return newest, found, nil
}

func (t *Task) timeFilters(cfg refresh.Config, at time.Time, op table.Op) []table.Filter {
	v, ok := pushdownValue(at, cfg.EffectiveTimeFormat())
	if !ok {
		return nil
	}
	return []table.Filter{{Column: cfg.TimeColumn, Op: op, Value: v}}
}

// keepSince drops rows whose time is before since (or equal to it unless
// inclusive). Rows with a NULL time are dropped.
func (t *Task) keepSince(schema *table.Schema, cfg refresh.Config, rows []table.Row, since time.Time, inclusive bool) ([]table.Row, error) {
	_, pos, ok := schema.FieldByName(cfg.TimeColumn)
	if !ok {
		return nil, permanent(&refresh.NoTimeColumnFoundError{Table: t.cfg.Name.String(), Column: cfg.TimeColumn})
	}
	format := cfg.EffectiveTimeFormat()

	kept := rows[:0:0]
	for _, row := range rows {
		ts, ok, err := toTime(row[pos], format)
		if err != nil {
			return nil, permanent(fmt.Errorf("invalid %s value: %w", cfg.TimeColumn, err))
		}
		if !ok {
			continue
		}
		if ts.After(since) || (inclusive && ts.Equal(since)) {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

func withoutExisting(incoming, existing []table.Row) []table.Row {
	if len(existing) == 0 {
		return incoming
	}
	seen := make(map[string]struct{}, len(existing))
	for _, row := range existing {
		seen[row.Key()] = struct{}{}
	}
	kept := incoming[:0:0]
	for _, row := range incoming {
		if _, ok := seen[row.Key()]; !ok {
			kept = append(kept, row)
		}
	}
	return kept
}

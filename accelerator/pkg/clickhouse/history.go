package clickhouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
)

const defaultHistoryLimit = 50

// HistoryStore persists refresh runs in the refresh_history table.
type HistoryStore struct {
	client Client
}

var _ history.Recorder = (*HistoryStore)(nil)

func NewHistoryStore(client Client) (*HistoryStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &HistoryStore{client: client}, nil
}

func (h *HistoryStore) RecordRun(ctx context.Context, run history.Run) error {
	conn, err := h.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ContextWithSyncInsert(ctx),
		"INSERT INTO refresh_history (id, dataset, mode, status, rows, attempts, started_at, finished_at, error)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	if err := batch.Append(
		run.ID,
		run.Dataset,
		run.Mode,
		run.Status,
		uint64(max(run.Rows, 0)),
		uint32(max(run.Attempts, 0)),
		run.StartedAt,
		run.FinishedAt,
		run.Error,
	); err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// List returns the most recent runs for dataset, newest first.
func (h *HistoryStore) List(ctx context.Context, dataset string, limit int) ([]history.Run, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	conn, err := h.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT id, dataset, mode, status, rows, attempts, started_at, finished_at, error
		FROM refresh_history
		WHERE dataset = ?
		ORDER BY started_at DESC, id
		LIMIT ?`, dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh history: %w", err)
	}
	defer rows.Close()

	var runs []history.Run
	for rows.Next() {
		var (
			r        history.Run
			id       uuid.UUID
			rowCount uint64
			attempts uint32
		)
		if err := rows.Scan(&id, &r.Dataset, &r.Mode, &r.Status, &rowCount, &attempts, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.ID = id
		r.Rows = int(rowCount)
		r.Attempts = int(attempts)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

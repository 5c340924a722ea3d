package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/malbeclabs/accel/utils/pkg/retry"
)

// StreamAppend inserts batches from the federated table's append stream until the
// stream ends or ctx is cancelled.
func (t *Task) StreamAppend(ctx context.Context, cache refresh.CacheInvalidator, ready *refresh.ReadySignal) error {
	streamer, ok := t.cfg.Federated.(table.AppendStreamer)
	if !ok {
		return ErrStreamingUnsupported
	}
	cfg := t.cfg.Refresh.Get()
	name := t.cfg.Name.String()

	stream, err := streamer.AppendStream(ctx, table.ScanRequest{
		Query:   cfg.SQL,
		Columns: t.cfg.Accelerator.Schema().Names(),
	})
	if err != nil {
		return fmt.Errorf("failed to open append stream: %w", err)
	}
	defer stream.Close()

	notifier := t.notifier(cache)
	t.cfg.Status.Update(t.cfg.Name, status.Refreshing)
	for {
		rows, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read append stream: %w", err)
		}
		if len(rows) == 0 {
			continue
		}

		if err := t.withRetry(ctx, cfg, "append batch", func(ctx context.Context) error {
			return t.cfg.Accelerator.Insert(ctx, rows)
		}); err != nil {
			return t.streamFailed(ctx, string(refresh.ModeAppend), fmt.Errorf("failed to append batch: %w", err))
		}

		metrics.RefreshRows.WithLabelValues(name, string(refresh.ModeAppend)).Add(float64(len(rows)))
		t.cfg.Status.Update(t.cfg.Name, status.Ready)
		t.log.Debug("refresh: appended batch", "dataset", name, "rows", len(rows))
		notifier.RefreshDone(ctx, ready)
	}
}

// ApplyChanges applies change batches to the accelerator and commits each batch
// to the stream once it has been applied. A batch that fails to commit is
// applied again on redelivery.
func (t *Task) ApplyChanges(ctx context.Context, stream table.ChangeStream, cache refresh.CacheInvalidator, ready *refresh.ReadySignal) error {
	if stream == nil {
		return errors.New("change stream is required")
	}
	defer stream.Close()

	applier, ok := t.cfg.Accelerator.(table.ChangeApplier)
	if !ok {
		return table.ErrChangesUnsupported
	}
	cfg := t.cfg.Refresh.Get()
	name := t.cfg.Name.String()

	notifier := t.notifier(cache)
	t.cfg.Status.Update(t.cfg.Name, status.Refreshing)
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read change stream: %w", err)
		}

		if len(batch.Changes) > 0 {
			if err := t.withRetry(ctx, cfg, "change batch", func(ctx context.Context) error {
				return applier.ApplyChanges(ctx, batch)
			}); err != nil {
				return t.streamFailed(ctx, string(refresh.ModeChanges), fmt.Errorf("failed to apply changes: %w", err))
			}
		}
		if err := stream.Commit(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("refresh: failed to commit change batch", "dataset", name, "error", err)
		}
		if len(batch.Changes) == 0 {
			continue
		}

		for _, ch := range batch.Changes {
			metrics.ChangesAppliedTotal.WithLabelValues(name, ch.Op.String()).Inc()
		}
		t.cfg.Status.Update(t.cfg.Name, status.Ready)
		t.log.Debug("refresh: applied change batch", "dataset", name, "changes", len(batch.Changes))
		notifier.RefreshDone(ctx, ready)
	}
}

func (t *Task) notifier(cache refresh.CacheInvalidator) *refresh.Notifier {
	return &refresh.Notifier{
		Log:     t.log,
		Clock:   t.cfg.Clock,
		Name:    t.cfg.Name,
		Refresh: t.cfg.Refresh,
		Cache:   cache,
	}
}

func (t *Task) streamFailed(ctx context.Context, mode string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	t.cfg.Status.Update(t.cfg.Name, status.Error)
	metrics.RefreshTotal.WithLabelValues(t.cfg.Name.String(), mode, history.StatusError).Inc()
	t.reportError(err)
	return err
}

// withRetry retries op under the dataset's retry policy, the same one that
// bounds refresh cycles.
func (t *Task) withRetry(ctx context.Context, cfg refresh.Config, what string, op func(ctx context.Context) error) error {
	return retry.Do(ctx, t.retryConfig(cfg, what), op)
}

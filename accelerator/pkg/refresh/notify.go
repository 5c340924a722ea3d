package refresh

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// Notifier performs the side effects of a successful refresh: readiness, the
// last-refresh gauge and best-effort cache invalidation.
type Notifier struct {
	Log     *slog.Logger
	Clock   clockwork.Clock
	Name    table.Name
	Refresh *Shared
	Cache   CacheInvalidator
}

// RefreshDone fires ready (a no-op after the first call) and never returns an error;
// cache invalidation failures are logged.
func (n *Notifier) RefreshDone(ctx context.Context, ready *ReadySignal) {
	if ready != nil && ready.Fire() {
		n.Log.Info("refresh: dataset ready", "dataset", n.Name)
	}

	sql := ""
	if n.Refresh != nil {
		sql = n.Refresh.Get().SQL
	}
	now := n.Clock.Now()
	metrics.LastRefreshTime.WithLabelValues(n.Name.String(), sql).Set(float64(now.UnixNano()) / 1e9)

	if n.Cache == nil {
		return
	}
	if err := n.Cache.InvalidateForTable(ctx, n.Name); err != nil {
		n.Log.Error("refresh: failed to invalidate cached results", "dataset", n.Name, "error", err)
		metrics.CacheInvalidationsTotal.WithLabelValues(n.Name.String(), "error").Inc()
		return
	}
	metrics.CacheInvalidationsTotal.WithLabelValues(n.Name.String(), "success").Inc()
}

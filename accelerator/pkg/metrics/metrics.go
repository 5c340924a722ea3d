package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accelerator_build_info",
			Help: "Build information of the accelerator",
		},
		[]string{"version", "commit", "date"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_refresh_total",
			Help: "Total number of refresh cycles by outcome",
		},
		[]string{"dataset", "mode", "status"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accelerator_refresh_duration_seconds",
			Help:    "Duration of refresh cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5 minutes
		},
		[]string{"dataset", "mode"},
	)

	RefreshRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_refresh_rows_total",
			Help: "Total number of rows written to accelerators",
		},
		[]string{"dataset", "mode"},
	)

	RefreshRequestsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_refresh_requests_dropped_total",
			Help: "Refresh requests discarded because one was already pending",
		},
		[]string{"dataset", "source"},
	)

	RefreshSuperseded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_refresh_superseded_total",
			Help: "In-flight refresh cycles cancelled by a newer request",
		},
		[]string{"dataset"},
	)

	LastRefreshTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accelerator_last_refresh_time_seconds",
			Help: "Unix time of the last successful refresh",
		},
		[]string{"dataset", "sql"},
	)

	DatasetStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datasets_status",
			Help: "Status of each dataset (1 initializing, 2 ready, 3 disabled, 4 error, 5 refreshing, 6 shutting down)",
		},
		[]string{"dataset"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_cache_invalidations_total",
			Help: "Result cache invalidations by outcome",
		},
		[]string{"dataset", "status"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_cache_requests_total",
			Help: "Result cache lookups by outcome",
		},
		[]string{"result"},
	)

	CacheStaleWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accelerator_cache_stale_writes_total",
			Help: "Result cache writes dropped because the dataset was refreshed while the rows were read",
		},
	)

	ChangesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_changes_applied_total",
			Help: "Change events applied to accelerators",
		},
		[]string{"dataset", "op"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"backend", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accelerator_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"backend"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelerator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accelerator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

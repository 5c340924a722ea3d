package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/accel/accelerator/pkg/dataset"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultHistoryLimit = 50

type Server struct {
	log      *slog.Logger
	cfg      Config
	limiter  *triggerLimiter
	router   chi.Router
	httpSrv  *http.Server
	datasets *dataset.Registry
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		limiter:  newTriggerLimiter(cfg.TriggerRate, cfg.TriggerBurst),
		router:   chi.NewRouter(),
		datasets: cfg.Datasets,
	}
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeText(w, http.StatusOK, "ok\n")
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/datasets", func(r chi.Router) {
		r.Get("/", s.listDatasetsHandler)
		r.Get("/{name}", s.getDatasetHandler)
		r.Post("/{name}/acceleration/refresh", s.refreshHandler)
		r.Get("/{name}/acceleration/history", s.historyHandler)
	})
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	var pending []string
	for _, ds := range s.datasets.List() {
		if ds.Enabled() && !ds.Ready() {
			pending = append(pending, ds.Name().String())
		}
	}
	if len(pending) > 0 {
		s.log.Debug("readyz: datasets not ready", "datasets", pending)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "pending": pending})
		return
	}
	s.writeText(w, http.StatusOK, "ok\n")
}

type refreshView struct {
	CheckInterval string `json:"check_interval,omitempty"`
	MaxJitter     string `json:"max_jitter,omitempty"`
	TimeColumn    string `json:"time_column,omitempty"`
	TimeFormat    string `json:"time_format,omitempty"`
	DataWindow    string `json:"data_window,omitempty"`
	AppendOverlap string `json:"append_overlap,omitempty"`
	SQL           string `json:"sql,omitempty"`
	RetryEnabled  bool   `json:"retry_enabled"`
	RetryAttempts int    `json:"retry_max_attempts,omitempty"`
}

type datasetView struct {
	Name    string       `json:"name"`
	Enabled bool         `json:"acceleration_enabled"`
	Mode    string       `json:"refresh_mode,omitempty"`
	Status  string       `json:"status"`
	Ready   bool         `json:"ready"`
	Refresh *refreshView `json:"refresh,omitempty"`
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func viewOf(ds *dataset.AcceleratedTable) datasetView {
	v := datasetView{
		Name:    ds.Name().String(),
		Enabled: ds.Enabled(),
		Status:  ds.Status().String(),
		Ready:   ds.Ready(),
	}
	if !ds.Enabled() {
		return v
	}
	cfg := ds.RefreshConfig()
	v.Mode = string(cfg.Mode)
	v.Refresh = &refreshView{
		CheckInterval: durationString(cfg.CheckInterval),
		MaxJitter:     durationString(cfg.MaxJitter),
		TimeColumn:    cfg.TimeColumn,
		TimeFormat:    string(cfg.TimeFormat),
		DataWindow:    durationString(cfg.Period),
		AppendOverlap: durationString(cfg.AppendOverlap),
		SQL:           cfg.SQL,
		RetryEnabled:  cfg.RetryEnabled,
		RetryAttempts: cfg.RetryMaxAttempts,
	}
	return v
}

func (s *Server) listDatasetsHandler(w http.ResponseWriter, r *http.Request) {
	list := s.datasets.List()
	out := make([]datasetView, 0, len(list))
	for _, ds := range list {
		out = append(out, viewOf(ds))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*dataset.AcceleratedTable, bool) {
	ds, err := s.datasets.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return ds, true
}

func (s *Server) getDatasetHandler(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(ds))
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := ds.Name().String()

	if allowed, retryAfter := s.limiter.allow(name); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retryAfter.Seconds()))))
		s.writeError(w, http.StatusTooManyRequests, fmt.Errorf("too many refresh requests for %s", name))
		return
	}

	err := ds.TriggerRefresh()
	switch {
	case err == nil:
		s.log.Info("server: refresh triggered", "dataset", name)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"message": "refresh triggered", "dataset": name})
	case errors.Is(err, dataset.ErrRefreshDisabled), errors.Is(err, dataset.ErrNoTriggerInlet):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, dataset.ErrNotStarted):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.cfg.History == nil {
		s.writeError(w, http.StatusNotFound, errors.New("refresh history is not recorded"))
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := s.cfg.History.List(r.Context(), ds.Name().String(), limit)
	if err != nil {
		s.log.Error("server: failed to list refresh history", "dataset", ds.Name(), "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("failed to list refresh history"))
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/accel/accelerator/pkg/changes"
	"github.com/malbeclabs/accel/accelerator/pkg/dataset"
	"github.com/malbeclabs/accel/accelerator/pkg/history"
	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/server"
	"github.com/malbeclabs/accel/accelerator/pkg/status"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	acceltesting "github.com/malbeclabs/accel/utils/pkg/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const waitTimeout = 5 * time.Second

type mockHistory struct {
	ListFunc func(ctx context.Context, dataset string, limit int) ([]history.Run, error)
}

func (m *mockHistory) List(ctx context.Context, dataset string, limit int) ([]history.Run, error) {
	return m.ListFunc(ctx, dataset, limit)
}

type fixture struct {
	srv      http.Handler
	datasets *dataset.Registry
	orders   *dataset.AcceleratedTable
}

func newFixture(t *testing.T, lister server.HistoryLister) *fixture {
	t.Helper()
	log := acceltesting.NewLogger()
	statuses := status.NewRegistry(prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_datasets_status"}, []string{"dataset"}))
	schema := table.NewSchema(table.Field{Name: "id", Type: table.Int64})

	reg := dataset.NewRegistry(log)
	add := func(cfg dataset.Config) *dataset.AcceleratedTable {
		cfg.Logger = log
		cfg.Status = statuses
		cfg.Federated = table.NewMemTable(schema, table.Row{int64(1)})
		ds, err := dataset.New(cfg)
		require.NoError(t, err)
		require.NoError(t, reg.Add(ds))
		return ds
	}
	orders := add(dataset.Config{
		Name:        table.ParseName("shop.orders"),
		Enabled:     true,
		Accelerator: table.NewMemTable(schema),
		Refresh:     refresh.NewConfig(refresh.ModeFull).WithCheckInterval(time.Hour),
	})
	add(dataset.Config{Name: table.ParseName("shop.raw")})
	add(dataset.Config{
		Name:        table.ParseName("shop.events"),
		Enabled:     true,
		Accelerator: table.NewMemTable(schema),
		Refresh:     refresh.NewConfig(refresh.ModeChanges),
		Changes:     changes.NewChannelStream(1),
	})
	t.Cleanup(func() { _ = reg.Close() })

	srv, err := server.New(server.Config{
		Logger:       log,
		ListenAddr:   "127.0.0.1:0",
		VersionInfo:  server.VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2026-01-01"},
		Datasets:     reg,
		History:      lister,
		TriggerRate:  rate.Every(time.Hour),
		TriggerBurst: 2,
	})
	require.NoError(t, err)
	return &fixture{srv: srv.Handler(), datasets: reg, orders: orders}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestAccel_Server_ConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = server.New(server.Config{Logger: acceltesting.NewLogger()})
	require.ErrorContains(t, err, "listen addr is required")
	_, err = server.New(server.Config{Logger: acceltesting.NewLogger(), ListenAddr: ":0"})
	require.ErrorContains(t, err, "dataset registry is required")
}

func TestAccel_Server_HealthAndVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v server.VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, "1.2.3", v.Version)

	rec = f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAccel_Server_Readyz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "shop.orders")

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	require.NoError(t, f.orders.Start(ctx))
	require.NoError(t, f.orders.WaitReady(ctx))

	// shop.events has not received a change yet.
	rec = f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "shop.orders")
	require.Contains(t, rec.Body.String(), "shop.events")
}

func TestAccel_Server_ListDatasets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/datasets")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	require.Equal(t, "shop.events", out[0]["name"])
	require.Equal(t, "changes", out[0]["refresh_mode"])
	require.Equal(t, "shop.orders", out[1]["name"])
	require.Equal(t, "initializing", out[1]["status"])
	require.Equal(t, "1h0m0s", out[1]["refresh"].(map[string]any)["check_interval"])
	require.Equal(t, "shop.raw", out[2]["name"])
	require.Equal(t, false, out[2]["acceleration_enabled"])
	require.Equal(t, "disabled", out[2]["status"])

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.orders")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccel_Server_RefreshTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/datasets/shop.orders/acceleration/refresh")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.orders.Start(t.Context()))
	rec = f.do(t, http.MethodPost, "/v1/datasets/shop.orders/acceleration/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "refresh triggered")

	// Burst of two per dataset.
	rec = f.do(t, http.MethodPost, "/v1/datasets/shop.orders/acceleration/refresh")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodPost, "/v1/datasets/shop.raw/acceleration/refresh")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "disabled")

	rec = f.do(t, http.MethodPost, "/v1/datasets/shop.events/acceleration/refresh")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/datasets/shop.missing/acceleration/refresh")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.orders/acceleration/refresh")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAccel_Server_History(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var gotLimit int
	f := newFixture(t, &mockHistory{
		ListFunc: func(ctx context.Context, ds string, limit int) ([]history.Run, error) {
			gotLimit = limit
			if ds != "shop.orders" {
				return nil, errors.New("boom")
			}
			return []history.Run{{
				ID:         uuid.New(),
				Dataset:    ds,
				Mode:       "full",
				Status:     history.StatusSuccess,
				Rows:       3,
				Attempts:   1,
				StartedAt:  started,
				FinishedAt: started.Add(time.Second),
			}}, nil
		},
	})

	rec := f.do(t, http.MethodGet, "/v1/datasets/shop.orders/acceleration/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, gotLimit)
	var runs []history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, 3, runs[0].Rows)
	require.True(t, runs[0].StartedAt.Equal(started))

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.orders/acceleration/history")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 50, gotLimit)

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.orders/acceleration/history?limit=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.raw/acceleration/history")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, strings.Contains(rec.Body.String(), "boom"))

	rec = f.do(t, http.MethodGet, "/v1/datasets/shop.missing/acceleration/history")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccel_Server_HistoryNotRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/datasets/shop.orders/acceleration/history")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not recorded")
}

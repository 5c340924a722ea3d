package connector

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
	acceltesting "github.com/malbeclabs/accel/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestAccel_Connector_ParseFrom(t *testing.T) {
	t.Parallel()

	prefix, path, err := ParseFrom("Postgres:public.trips")
	require.NoError(t, err)
	require.Equal(t, "postgres", prefix)
	require.Equal(t, "public.trips", path)

	for _, bad := range []string{"trips", ":trips", "postgres:"} {
		_, _, err := ParseFrom(bad)
		require.Error(t, err, bad)
	}
}

func TestAccel_Connector_Registry(t *testing.T) {
	t.Parallel()

	schema := table.NewSchema(table.Field{Name: "id", Type: table.Int64})
	mem := table.NewMemTable(schema)
	closed := false

	r := NewRegistry()
	r.Register("memory", func(ctx context.Context, log *slog.Logger, path string, params map[string]string) (*Connection, error) {
		if path != "trips" {
			return nil, errors.New("no such table")
		}
		return NewConnection(mem, func() error { closed = true; return nil }), nil
	})
	require.Equal(t, []string{"memory"}, r.Prefixes())

	conn, err := r.Open(t.Context(), acceltesting.NewLogger(), "memory:trips", nil)
	require.NoError(t, err)
	require.Same(t, mem, conn.Table)
	require.NoError(t, conn.Close())
	require.True(t, closed)

	_, err = r.Open(t.Context(), acceltesting.NewLogger(), "memory:users", nil)
	require.ErrorContains(t, err, "failed to open memory:users: no such table")

	_, err = r.Open(t.Context(), acceltesting.NewLogger(), "oracle:x", nil)
	require.ErrorIs(t, err, ErrUnknownConnector)

	var nilConn *Connection
	require.NoError(t, nilConn.Close())
}

func TestAccel_Connector_Default(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"clickhouse", "mysql", "postgres"}, Default().Prefixes())

	_, err := boolParam(map[string]string{"secure": "maybe"}, "secure")
	require.ErrorContains(t, err, "invalid secure")

	// Parameter validation fails before any network access.
	_, err = Default().Open(t.Context(), acceltesting.NewLogger(), "postgres:public.trips", map[string]string{})
	require.ErrorContains(t, err, "database is required")
	_, err = Default().Open(t.Context(), acceltesting.NewLogger(), "mysql:trips", map[string]string{})
	require.ErrorContains(t, err, "database is required")
	_, err = Default().Open(t.Context(), acceltesting.NewLogger(), "clickhouse:db.trips", map[string]string{})
	require.ErrorContains(t, err, "addr is required")
}

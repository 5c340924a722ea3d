package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/postgres"
	postgrestesting "github.com/malbeclabs/accel/accelerator/pkg/postgres/testing"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	acceltesting "github.com/malbeclabs/accel/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var sharedDB *postgrestesting.DB

func TestMain(m *testing.M) {
	log := acceltesting.NewLogger()
	var err error
	sharedDB, err = postgrestesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func TestAccel_Postgres_Source(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	pool := postgrestesting.NewTestPool(t, sharedDB)

	_, err := pool.Exec(ctx, `
		CREATE TABLE trips (
			id bigint PRIMARY KEY,
			region text NOT NULL,
			fare numeric(10, 2),
			created_at timestamptz NOT NULL
		)`)
	require.NoError(t, err)
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = pool.Exec(ctx, `INSERT INTO trips VALUES
		(1, 'eu', 10.50, $1), (2, 'us', 7.25, $2), (3, 'eu', NULL, $3)`,
		base, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)

	src, err := postgres.NewSource(ctx, postgres.SourceConfig{Logger: acceltesting.NewLogger(), Pool: pool, Table: "trips"})
	require.NoError(t, err)

	require.Equal(t, []string{"id", "region", "fare", "created_at"}, src.Schema().Names())
	f, _, _ := src.Schema().FieldByName("created_at")
	require.Equal(t, table.TimestampTZ, f.Type)
	f, _, _ = src.Schema().FieldByName("fare")
	require.True(t, f.Nullable)

	rows, err := src.Scan(ctx, table.ScanRequest{
		Columns: []string{"id", "fare"},
		Filters: []table.Filter{{Column: "created_at", Op: table.OpGreaterOrEqual, Value: base.Add(time.Hour)}},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []table.Row{{int64(2), 7.25}, {int64(3), nil}}, rows)

	rows, err = src.Scan(ctx, table.ScanRequest{
		Query:   "SELECT * FROM trips WHERE region = 'eu'",
		Columns: []string{"id"},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []table.Row{{int64(1)}, {int64(3)}}, rows)

	_, err = postgres.NewSource(ctx, postgres.SourceConfig{Logger: acceltesting.NewLogger(), Pool: pool, Table: "missing"})
	require.ErrorContains(t, err, "not found")
}

func TestAccel_Postgres_NewPool(t *testing.T) {
	t.Parallel()

	pool, err := postgres.NewPool(t.Context(), acceltesting.NewLogger(), postgres.PoolConfig{ConnString: sharedDB.ConnStr(), MaxConns: 2})
	require.NoError(t, err)
	defer pool.Close()
	require.EqualValues(t, 2, pool.Config().MaxConns)

	_, err = postgres.NewPool(t.Context(), acceltesting.NewLogger(), postgres.PoolConfig{ConnString: "postgres://nobody@127.0.0.1:1/none?sslmode=disable"})
	require.Error(t, err)
}

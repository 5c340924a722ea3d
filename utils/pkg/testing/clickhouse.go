package acceltesting

import (
	"testing"

	"github.com/malbeclabs/accel/accelerator/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/accel/accelerator/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// ClientInfo holds a migrated test client and its database name.
type ClientInfo struct {
	Client   clickhouse.Client
	Database string
}

// NewClient returns a client bound to a fresh, migrated test database.
func NewClient(t *testing.T, db *clickhousetesting.DB) clickhouse.Client {
	return NewClientWithInfo(t, db).Client
}

func NewClientWithInfo(t *testing.T, db *clickhousetesting.DB) *ClientInfo {
	info, err := clickhousetesting.NewTestClientWithInfo(t, db)
	require.NoError(t, err)

	err = clickhouse.RunMigrations(t.Context(), NewLogger(), db.MigrationConfig(info.Database))
	require.NoError(t, err)

	return &ClientInfo{
		Client:   info.Client,
		Database: info.Database,
	}
}

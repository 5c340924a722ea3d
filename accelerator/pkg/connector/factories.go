package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/malbeclabs/accel/accelerator/pkg/clickhouse"
	"github.com/malbeclabs/accel/accelerator/pkg/mysql"
	"github.com/malbeclabs/accel/accelerator/pkg/postgres"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

// Default returns a registry with the clickhouse, postgres and mysql connectors.
func Default() *Registry {
	r := NewRegistry()
	r.Register("clickhouse", openClickHouse)
	r.Register("postgres", openPostgres)
	r.Register("mysql", openMySQL)
	return r
}

func boolParam(params map[string]string, key string) (bool, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func openClickHouse(ctx context.Context, log *slog.Logger, path string, params map[string]string) (*Connection, error) {
	name := table.ParseName(path)
	secure, err := boolParam(params, "secure")
	if err != nil {
		return nil, err
	}
	database := name.Schema
	if database == "" {
		database = params["database"]
	}
	client, err := clickhouse.NewClient(ctx, log, clickhouse.ClientConfig{
		Addr:     params["addr"],
		Database: database,
		Username: params["username"],
		Password: params["password"],
		Secure:   secure,
	})
	if err != nil {
		return nil, err
	}
	src, err := clickhouse.NewSource(ctx, clickhouse.SourceConfig{
		Logger:   log,
		Client:   client,
		Database: database,
		Table:    name.Table,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return NewConnection(src, client.Close), nil
}

func openPostgres(ctx context.Context, log *slog.Logger, path string, params map[string]string) (*Connection, error) {
	name := table.ParseName(path)
	pool, err := postgres.NewPool(ctx, log, postgres.PoolConfig{
		ConnString: params["connection_string"],
		Host:       params["host"],
		Port:       params["port"],
		Database:   params["database"],
		Username:   params["username"],
		Password:   params["password"],
		SSLMode:    params["sslmode"],
	})
	if err != nil {
		return nil, err
	}
	src, err := postgres.NewSource(ctx, postgres.SourceConfig{
		Logger: log,
		Pool:   pool,
		Schema: name.Schema,
		Table:  name.Table,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return NewConnection(src, func() error { pool.Close(); return nil }), nil
}

func openMySQL(ctx context.Context, log *slog.Logger, path string, params map[string]string) (*Connection, error) {
	name := table.ParseName(path)
	tls, err := boolParam(params, "tls")
	if err != nil {
		return nil, err
	}
	database := name.Schema
	if database == "" {
		database = params["database"]
	}
	db, err := mysql.Open(ctx, log, mysql.DBConfig{
		Addr:     params["addr"],
		Database: database,
		Username: params["username"],
		Password: params["password"],
		TLS:      tls,
	})
	if err != nil {
		return nil, err
	}
	src, err := mysql.NewSource(ctx, mysql.SourceConfig{
		Logger:   log,
		DB:       db,
		Database: database,
		Table:    name.Table,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return NewConnection(src, db.Close), nil
}

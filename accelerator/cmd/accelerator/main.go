package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/accel/accelerator/pkg/cache"
	"github.com/malbeclabs/accel/accelerator/pkg/clickhouse"
	"github.com/malbeclabs/accel/accelerator/pkg/config"
	"github.com/malbeclabs/accel/accelerator/pkg/connector"
	"github.com/malbeclabs/accel/accelerator/pkg/dataset"
	"github.com/malbeclabs/accel/accelerator/pkg/metrics"
	"github.com/malbeclabs/accel/accelerator/pkg/server"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/malbeclabs/accel/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr   = "0.0.0.0:8080"
	defaultDatasetsFile = "datasets.yaml"
	openConcurrency     = 4
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "file of KEY=VALUE pairs loaded into the environment when present")
	datasetsFileFlag := flag.String("datasets", defaultDatasetsFile, "datasets file (or set ACCEL_DATASETS env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set ACCEL_LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for the HTTP server to drain")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ACCEL_ALLOWED_ORIGINS env var, comma separated)")
	triggerRateFlag := flag.Float64("trigger-rate", 1, "refresh triggers allowed per second per dataset")
	triggerBurstFlag := flag.Int("trigger-burst", 5, "refresh trigger burst per dataset")
	cacheMaxRowsFlag := flag.Int64("cache-max-rows", 1_000_000, "maximum number of rows held in the results cache")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for refresh error reporting (or set SENTRY_DSN env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", true, "create the ClickHouse database and run migrations at startup")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("ACCEL_DATASETS"); v != "" {
		*datasetsFileFlag = v
	}
	if v := os.Getenv("ACCEL_LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("ACCEL_ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = strings.Split(v, ",")
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CLICKHOUSE_SECURE: %w", err)
		}
		*clickhouseSecureFlag = secure
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("accelerator: starting", "version", version, "commit", commit, "date", date)

	onError, err := initSentry(log, *sentryDSNFlag)
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	defs, err := config.Load(*datasetsFileFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps := dataset.Deps{
		Logger:             log,
		Connectors:         connector.Default(),
		ClickHouseDatabase: *clickhouseDatabaseFlag,
		OnError:            onError,
	}

	var history server.HistoryLister
	if *clickhouseAddrFlag != "" {
		chCfg := clickhouse.ClientConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if *clickhouseMigrateFlag {
			if err := migrate(ctx, log, chCfg); err != nil {
				return err
			}
		}
		client, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer client.Close()

		store, err := clickhouse.NewHistoryStore(client)
		if err != nil {
			return err
		}
		deps.ClickHouse = client
		deps.History = store
		history = store
	} else {
		log.Warn("accelerator: no clickhouse address configured, only the memory engine is available and refresh history is not recorded")
	}

	resultCache, err := cache.New(cache.Config{MaxRows: *cacheMaxRowsFlag})
	if err != nil {
		return err
	}
	defer resultCache.Close()
	deps.Cache = resultCache

	registry := dataset.NewRegistry(log)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Error("accelerator: failed to close datasets", "error", err)
		}
	}()
	if err := openDatasets(ctx, deps, registry, defs.Datasets); err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	log.Info("accelerator: datasets started", "count", len(defs.Datasets))

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Datasets:        registry,
		History:         history,
		AllowedOrigins:  *allowedOriginsFlag,
		TriggerRate:     rate.Limit(*triggerRateFlag),
		TriggerBurst:    *triggerBurstFlag,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// migrate creates the configured database through the default database, then
// applies the goose migrations to it.
func migrate(ctx context.Context, log *slog.Logger, cfg clickhouse.ClientConfig) error {
	bootstrapCfg := cfg
	bootstrapCfg.Database = clickhouse.DefaultDatabase
	bootstrap, err := clickhouse.NewClient(ctx, log, bootstrapCfg)
	if err != nil {
		return err
	}
	defer bootstrap.Close()

	conn, err := bootstrap.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if err := clickhouse.CreateDatabase(ctx, log, conn, cfg.Database); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	return clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
		Addr:     cfg.Addr,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
		Secure:   cfg.Secure,
	})
}

func openDatasets(ctx context.Context, deps dataset.Deps, registry *dataset.Registry, defs []config.Dataset) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openConcurrency)
	for _, def := range defs {
		g.Go(func() error {
			ds, err := dataset.Open(gctx, deps, def)
			if err != nil {
				return fmt.Errorf("failed to open dataset %s: %w", def.Name, err)
			}
			if err := registry.Add(ds); err != nil {
				return errors.Join(err, ds.Close())
			}
			deps.Logger.Info("accelerator: dataset opened", "dataset", def.Name, "from", def.From, "accelerated", def.Acceleration.Enabled)
			return nil
		})
	}
	return g.Wait()
}

// initSentry configures error reporting when dsn is set and returns the refresh
// error hook, which is nil when reporting is off.
func initSentry(log *slog.Logger, dsn string) (func(table.Name, error), error) {
	if dsn == "" {
		return nil, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	log.Info("accelerator: sentry error reporting enabled")
	return func(name table.Name, err error) {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("dataset", name.String())
			sentry.CaptureException(err)
		})
	}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "go.uber.org/automaxprocs"

	"github.com/towerstats/transferpool/internal/application/pool"
	"github.com/towerstats/transferpool/internal/domain/quota"
	httpadapter "github.com/towerstats/transferpool/internal/infra/adapters/http"
	"github.com/towerstats/transferpool/internal/infra/metrics"
	credstore "github.com/towerstats/transferpool/internal/infra/storage/credential/postgres"
	"github.com/towerstats/transferpool/internal/infra/transport/sftp"
	"github.com/towerstats/transferpool/pkg/common"
	"github.com/towerstats/transferpool/pkg/common/logger"
	"github.com/towerstats/transferpool/pkg/common/otel"
)

const serviceName = "transferpool"

func main() {
	var log *logger.Logger

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}
	log = logger.New(os.Stdout, logger.LevelInfo, serviceName, traceIDFn)

	ctx := context.Background()
	if err := run(ctx, log); err != nil {
		log.Error(ctx, "startup", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger) error {
	probability, err := strconv.ParseFloat(envOrDefault("OTEL_SAMPLING_RATIO", "0.05"), 64)
	if err != nil {
		return fmt.Errorf("parsing OTEL_SAMPLING_RATIO: %w", err)
	}

	tp, telemetryCleanup, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Probability:      probability,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryCleanup(ctx)

	tracer := tp.Tracer(serviceName)

	// Database.
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			envOrDefault("POSTGRES_USER", "postgres"),
			envOrDefault("POSTGRES_PASSWORD", "postgres"),
			envOrDefault("POSTGRES_HOST", "postgres"),
			envOrDefault("POSTGRES_DB", "transferpool"),
		)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening db: %w", err)
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Quota policy: tier defaults, optionally overridden from TOML.
	policy := quota.Default()
	if path := os.Getenv("QUOTA_CONFIG_PATH"); path != "" {
		policy, err = quota.Load(path)
		if err != nil {
			return fmt.Errorf("loading quota config %s: %w", path, err)
		}
		log.Info(ctx, "quota policy loaded", "path", path)
	}

	registry, err := metrics.NewRegistry(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	store := credstore.NewCredentialStore(db, tracer)

	svc := pool.NewService(
		pool.Config{},
		sftp.NewDialer(),
		store,
		store,
		policy,
		registry.Pool,
		log,
		tracer,
	)
	svc.Start(ctx)

	// HTTP surfaces: operational API, runtime diagnostics, k8s probes.
	apiServer := &http.Server{
		Addr:         envOrDefault("API_ADDR", ":8080"),
		Handler:      httpadapter.NewServer(svc, log).Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	debugMux, err := httpadapter.DebugMux()
	if err != nil {
		return fmt.Errorf("building debug mux: %w", err)
	}
	debugServer := &http.Server{
		Addr:    envOrDefault("DEBUG_ADDR", "localhost:6060"),
		Handler: debugMux,
	}

	var ready atomic.Bool
	healthServer := common.NewHealthServer(envOrDefault("HEALTH_ADDR", ":8081"), &ready)

	serverErrors := make(chan error, 2)
	go func() {
		log.Info(ctx, "operational api listening", "addr", apiServer.Addr)
		serverErrors <- apiServer.ListenAndServe()
	}()
	go func() {
		log.Info(ctx, "debug server listening", "addr", debugServer.Addr)
		serverErrors <- debugServer.ListenAndServe()
	}()

	ready.Store(true)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Info(ctx, "shutdown started", "signal", sig.String())
	}

	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = debugServer.Shutdown(shutdownCtx)
	_ = healthServer.Server().Shutdown(shutdownCtx)

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "pool drain incomplete", "error", err)
	}

	log.Info(ctx, "shutdown complete")
	return nil
}

// runMigrations applies all up migrations from MIGRATIONS_PATH against the
// service database.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	path := "file://" + envOrDefault("MIGRATIONS_PATH", "db/migrations")
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

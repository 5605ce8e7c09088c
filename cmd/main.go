// pncp-search: procurement notice search service
//
// Searches the PNCP public registry for open bids matching a sector's
// keywords, applies the filter chain, and reveals results according to the
// caller's plan and monthly quota.
// Exposes:
//   - REST API (chi) on SEARCH_PORT: POST /search, GET /me/plan
//   - gRPC SearchService on GRPC_PORT
//   - Prometheus metrics on /metrics
//
// Completed searches are published on EVENT_SEARCH_COMPLETED when Redis is
// configured. Saved alerts are re-run on ALERTS_CRON when Postgres is.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/config"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/db"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/grpcserver"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/httpapi"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/quota"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/registry"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/scheduler"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/tracing"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("search service stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "pncp-search",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	sectors, err := config.LoadSectors(cfg.SectorsFile)
	if err != nil {
		return err
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		pool   *pgxpool.Pool
		rdb    *redis.Client
		sqlite *sql.DB
	)
	if cfg.DatabaseURL != "" {
		log.Info("connecting to PostgreSQL")
		if pool, err = db.NewPostgresPool(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
	}
	if cfg.RedisURL != "" {
		log.Info("connecting to Redis")
		if rdb, err = db.NewRedisClient(ctx, cfg.RedisURL, cfg.QuotaTimeout); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
	}
	openSQLite := func() (*sql.DB, error) {
		if sqlite == nil {
			if sqlite, err = db.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
				return nil, fmt.Errorf("sqlite: %w", err)
			}
		}
		return sqlite, nil
	}
	defer func() {
		if sqlite != nil {
			sqlite.Close()
		}
	}()

	var plans billing.Store
	if pool != nil {
		plans = billing.NewPostgresStore(pool)
	} else {
		conn, err := openSQLite()
		if err != nil {
			return err
		}
		if plans, err = billing.NewSQLiteStore(conn); err != nil {
			return err
		}
		log.Warn("no DATABASE_URL, plan data read from local SQLite", "path", cfg.SQLitePath)
	}

	backend := cfg.ResolvedQuotaBackend()
	var counters quota.Store
	switch backend {
	case config.QuotaRedis:
		counters = quota.NewRedisStore(rdb, 0)
	case config.QuotaPostgres:
		if err := db.EnsureQuotaSchema(ctx, pool, quota.Schema); err != nil {
			return err
		}
		counters = quota.NewPostgresStore(pool)
	case config.QuotaSQLite:
		conn, err := openSQLite()
		if err != nil {
			return err
		}
		sc, err := quota.NewSQLiteCounter(conn)
		if err != nil {
			return err
		}
		counters = quota.NewGuarded(sc)
	case config.QuotaMemory:
		counters = quota.NewGuarded(quota.NewMemoryCounter())
	}
	if backend == config.QuotaSQLite || backend == config.QuotaMemory {
		log.Warn("quota counters are local to this process; do not run more than one replica", "backend", backend)
	}

	// ── Search service ───────────────────────────────────────────────────────
	m := metrics.New()

	regCfg := registry.DefaultConfig()
	regCfg.BaseURL = cfg.PNCPBaseURL
	regCfg.PageSize = cfg.PNCPPageSize
	regCfg.MaxPages = cfg.PNCPMaxPages
	regCfg.MaxAttempts = cfg.PNCPMaxAttempts
	regCfg.BackoffInitial = cfg.BackoffInitial
	regCfg.BackoffMax = cfg.BackoffMax
	regCfg.PageTimeout = cfg.PageTimeout
	regCfg.RatePerSecond = cfg.RateLimit
	reg := registry.NewClient(regCfg, m, log.With("component", "registry"))

	planCfg := plan.DefaultConfig()
	planCfg.GraceWindow = cfg.GraceWindow
	planCfg.DefaultPlan = cfg.DefaultPlan
	planCfg.ReadTimeout = cfg.PlanReadTimeout
	resolver := plan.NewResolver(plans, planCfg, m, log.With("component", "plan"))

	var handoff search.Handoff
	if rdb != nil {
		handoff = search.NewRedisPublisher(rdb)
	}

	svc := search.NewService(search.Deps{
		Registry: reg,
		Plans:    resolver,
		Quota:    counters,
		Sectors:  sectors,
		Handoff:  handoff,
		Metrics:  m,
		Logger:   log.With("component", "search"),
	}, search.Config{
		SearchTimeout: cfg.SearchTimeout,
		QuotaTimeout:  cfg.QuotaTimeout,
	})

	log.Info("search service configured",
		"version", version,
		"registry", cfg.PNCPBaseURL,
		"maxPages", cfg.PNCPMaxPages,
		"quotaBackend", backend,
		"gracePeriod", cfg.GraceWindow,
		"defaultPlan", cfg.DefaultPlan,
		"sectors", sectors.IDs())

	// ── Scheduler ────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if pool != nil {
		sched = scheduler.New(scheduler.NewPostgresAlerts(pool), svc, cfg.AlertsCron, cfg.AlertLookbackDays, log)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	} else {
		log.Info("no DATABASE_URL, saved alerts disabled")
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewHandler(svc, m, log.With("component", "http")).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.SearchTimeout + 10*time.Second,
	}

	// ── gRPC server ──────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	gs := grpc.NewServer()
	health := grpcserver.Register(gs, grpcserver.NewServer(svc))

	errc := make(chan error, 2)
	go func() {
		log.Info("HTTP listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("gRPC listening", "port", cfg.GRPCPort)
		if err := gs.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errc:
		log.Error("server failed, shutting down", "err", err)
	}

	health.Shutdown()
	if sched != nil {
		sched.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "err", err)
	}
	gs.GracefulStop()
	log.Info("stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("service", "pncp-search")
}

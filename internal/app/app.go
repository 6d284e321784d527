// Package app wires the waitlist service together: configuration, storage,
// observability, and the HTTP/director run modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dafyddcrosby/sdc-cnapi/internal/config"
	"github.com/dafyddcrosby/sdc-cnapi/internal/httpserver"
	"github.com/dafyddcrosby/sdc-cnapi/internal/kvstore"
	"github.com/dafyddcrosby/sdc-cnapi/internal/platform"
	"github.com/dafyddcrosby/sdc-cnapi/internal/store"
	"github.com/dafyddcrosby/sdc-cnapi/internal/telemetry"
	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
	"github.com/dafyddcrosby/sdc-cnapi/pkg/waitlist"
)

const serviceName = "cnapi-waitlist"

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Run is the service entry point. It connects infrastructure and starts the
// mode selected by cfg.Mode: "all" (HTTP + director in one process,
// default), "api" (HTTP only), or "director" (director only).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cnapi-waitlist",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Info("redis disabled (REDIS_URL is empty); director fast-path notification is local-only")
	}

	kv := kvstore.NewPostgresStore(pool)
	defer kv.Close()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// registry, manager, and director are mutually referential: the manager
	// notifies the director after a confirmed Release so the queue is
	// re-evaluated promptly instead of waiting out T_sweep, the director
	// needs the registry to announce transitions to local waiters, and the
	// registry resolves pre-registration lookups through the manager.
	// Forward-declaring director and capturing it by reference in the
	// notifier closure breaks the cycle.
	var registry *waitlist.Registry
	var director *waitlist.Director
	manager := waitlist.NewManager(kv, time.Now, func(ctx context.Context, ticketUUID uuid.UUID, status ticket.Status) {
		director.RequestSweep(ctx, ticketUUID, status)
	})
	registry = waitlist.NewRegistry(manager)

	directorOpts := []waitlist.DirectorOption{waitlist.WithMetrics()}
	if rdb != nil {
		directorOpts = append(directorOpts, waitlist.WithRedis(rdb))
	}
	director = waitlist.NewDirector(kv, registry, time.Now, cfg.SweepInterval, logger, directorOpts...)

	switch cfg.Mode {
	case "all":
		return runAll(ctx, cfg, logger, kv, metricsReg, manager, registry, director)
	case "api":
		return runAPI(ctx, cfg, logger, kv, metricsReg, manager, registry)
	case "director":
		director.Run(ctx)
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAll(ctx context.Context, cfg *config.Config, logger *slog.Logger, kv kvstore.Store, metricsReg *prometheus.Registry, manager *waitlist.Manager, registry *waitlist.Registry, director *waitlist.Director) error {
	done := make(chan struct{})
	go func() {
		director.Run(ctx)
		close(done)
	}()

	apiErr := runAPI(ctx, cfg, logger, kv, metricsReg, manager, registry)

	<-done
	return apiErr
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, kv kvstore.Store, metricsReg *prometheus.Registry, manager *waitlist.Manager, registry *waitlist.Registry) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, kv, metricsReg)

	handler := waitlist.NewHandler(logger, manager, registry)
	srv.Router.Mount("/", handler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("waitlist api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down waitlist api")
		return httpserver.Shutdown(context.Background(), httpSrv, 10*time.Second)
	case err := <-httpErrCh:
		return err
	}
}

// Package main is the entry point for the forecastplane controller.
// It serves the trigger, recovery and status API and runs the periodic
// recovery sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forecastplane/internal/batch"
	"forecastplane/internal/config"
	"forecastplane/internal/controller"
	"forecastplane/internal/logger"
	"forecastplane/internal/marketdata"
	"forecastplane/internal/observability"
	"forecastplane/internal/prediction"
	"forecastplane/internal/recovery"
	"forecastplane/internal/selector"
	"forecastplane/internal/store/postgres"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: none, environment only)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel).With("service", "controller")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres (the "Store")
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	if *migrateFlag {
		logg.Info("running database migrations")
		version, err := postgres.Migrate(store.DB())
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		logg.Info("migrations completed", "version", version)
	}

	markets, err := marketdata.NewPGProvider(ctx, cfg.MarketDatabaseURL, cfg.MarketMaxConns, cfg.MarketViaPgBouncer)
	if err != nil {
		log.Fatalf("Failed to connect to market DB: %v", err)
	}
	defer markets.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "forecastplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics; served by the router on /metrics
	_, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()
	if err := observability.RegisterGauges(store, store, logg); err != nil {
		logg.Error("failed to register gauges", "error", err)
	}
	metrics, err := observability.NewPipelineMetrics()
	if err != nil {
		log.Fatalf("Failed to create pipeline metrics: %v", err)
	}

	tracker := prediction.NewTracker(store, prediction.TrackerConfig{LeaseTTL: cfg.LeaseTTL}, logg)
	batches := batch.New(store, selector.New(markets), tracker, cfg.DefaultModel, logg)

	sweeper := recovery.New(store, recovery.Config{
		Interval:    cfg.RecoveryInterval,
		StaleAfter:  cfg.StaleAfter,
		MaxAttempts: cfg.MaxRecoveryAttempts,
		Retention:   cfg.Retention,
		ResumeDelay: cfg.ResumeDelay,
		LeaseTTL:    cfg.LeaseTTL,
	}, metrics, logg.With("component", "recovery"))
	go sweeper.Run(ctx)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Config{
		Addr:            addr,
		CronSecret:      cfg.CronSecret,
		StatusRateLimit: cfg.StatusRateLimit,
		StatusRateBurst: cfg.StatusRateBurst,
	}, batches, sweeper, store, logg)
	if cfg.CronSecret == "" {
		logg.Warn("CRON_SECRET is empty; scheduler endpoints will reject every request")
	}

	go func() {
		logg.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			logg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down controller")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logg.Info("server exited properly")
}

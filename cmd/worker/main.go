// Package main is the entry point for the forecastplane worker.
// The worker claims queued batches, holds their session lease and runs the
// prediction dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"forecastplane/internal/ai"
	"forecastplane/internal/config"
	"forecastplane/internal/logger"
	"forecastplane/internal/marketdata"
	"forecastplane/internal/observability"
	"forecastplane/internal/prediction"
	"forecastplane/internal/store/postgres"
	"forecastplane/internal/worker"

	"github.com/google/uuid"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: none, environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "forecastplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()
	metrics, err := observability.NewPipelineMetrics()
	if err != nil {
		log.Fatalf("Failed to create pipeline metrics: %v", err)
	}

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()

	markets, err := marketdata.NewPGProvider(ctx, cfg.MarketDatabaseURL, cfg.MarketMaxConns, cfg.MarketViaPgBouncer)
	if err != nil {
		log.Fatalf("Failed to connect to market DB: %v", err)
	}
	defer markets.Close()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to configure AI providers: %v", err)
	}

	tracker := prediction.NewTracker(store, prediction.TrackerConfig{LeaseTTL: cfg.LeaseTTL}, logg)
	dispatcher := prediction.NewDispatcher(tracker, markets, provider, prediction.DispatchConfig{
		Concurrency: cfg.DispatchConcurrency,
		Retry: prediction.RetryPolicy{
			CallTimeout: cfg.ProviderTimeout,
			MaxRetries:  cfg.ProviderMaxRetries,
		},
	}, metrics, logg)

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	agent := worker.New(store, store, tracker, dispatcher, worker.AgentConfig{
		ID:                workerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
	}, logg)

	go agent.Run(ctx)

	// Start a dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		logg.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logg.Error("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down worker, draining running batches")
	cancel()

	<-agent.Done()
}

// newProvider routes gemini-* models to Gemini and everything else to the
// OpenAI-compatible endpoint, each behind the shared request rate limit.
func newProvider(ctx context.Context, cfg *config.Config) (ai.Provider, error) {
	var fallback ai.Provider
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		fallback = ai.NewRateLimited(ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), cfg.ProviderRPS)
	}
	router := ai.NewRouter(fallback)

	if cfg.GeminiAPIKey != "" {
		gemini, err := ai.NewGeminiProvider(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		router.Handle("gemini", ai.NewRateLimited(gemini, cfg.ProviderRPS))
	}

	if fallback == nil && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("no provider credentials configured (env: OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	if fallback == nil && !strings.HasPrefix(cfg.DefaultModel, "gemini") {
		return nil, fmt.Errorf("default model %q needs OPENAI_API_KEY", cfg.DefaultModel)
	}
	return router, nil
}

// Package config loads settings from an optional YAML file, a .env file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database holding sessions, results and the batch queue
	DatabaseURL string
	// Read-only market database; defaults to DatabaseURL
	MarketDatabaseURL string
	MarketMaxConns    int
	// Set when the market database sits behind PgBouncer in transaction mode
	MarketViaPgBouncer bool

	// HTTP server port for the controller
	HTTPPort int
	// Metrics port for the worker
	MetricsPort int
	// URL of the controller (e.g., "http://localhost:6161")
	ControllerURL string
	// Shared secret for the scheduler endpoints
	CronSecret string

	DefaultModel       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	GeminiAPIKey       string
	ProviderTimeout    time.Duration
	ProviderMaxRetries int
	ProviderRPS        float64

	DispatchConcurrency int

	WorkerID                string
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration
	LeaseTTL                time.Duration

	RecoveryInterval    time.Duration
	StaleAfter          time.Duration
	MaxRecoveryAttempts int
	ResumeDelay         time.Duration
	Retention           time.Duration

	StatusRateLimit float64
	StatusRateBurst int

	LogLevel     string
	OTELEndpoint string
}

// setting is one config key with its environment variable and default.
type setting struct {
	key string
	env string
	def interface{}
}

var settings = []setting{
	{"database_url", "DATABASE_URL", ""},
	{"market_database_url", "MARKET_DATABASE_URL", ""},
	{"market_max_conns", "MARKET_MAX_CONNS", 10},
	{"market_via_pgbouncer", "MARKET_VIA_PGBOUNCER", false},
	{"http_port", "PORT", 6161},
	{"metrics_port", "METRICS_PORT", 6162},
	{"controller_url", "CONTROLLER_URL", "http://localhost:6161"},
	{"cron_secret", "CRON_SECRET", ""},
	{"default_model", "DEFAULT_MODEL", "gpt-4o-mini"},
	{"openai_api_key", "OPENAI_API_KEY", ""},
	{"openai_base_url", "OPENAI_BASE_URL", ""},
	{"gemini_api_key", "GEMINI_API_KEY", ""},
	{"provider_timeout", "PROVIDER_TIMEOUT", "60s"},
	{"provider_max_retries", "PROVIDER_MAX_RETRIES", 1},
	{"provider_rps", "PROVIDER_RPS", 5.0},
	{"dispatch_concurrency", "DISPATCH_CONCURRENCY", 4},
	{"worker_id", "WORKER_ID", ""},
	{"worker_concurrency", "WORKER_CONCURRENCY", 2},
	{"worker_poll_interval", "WORKER_POLL_INTERVAL", "1s"},
	{"worker_max_backoff", "WORKER_MAX_BACKOFF", "30s"},
	{"worker_heartbeat_interval", "WORKER_HEARTBEAT_INTERVAL", "1m"},
	{"lease_ttl", "LEASE_TTL", "5m"},
	{"recovery_interval", "RECOVERY_INTERVAL", "10m"},
	{"stale_after", "STALE_AFTER", "30m"},
	{"max_recovery_attempts", "MAX_RECOVERY_ATTEMPTS", 3},
	{"resume_delay", "RESUME_DELAY", "30s"},
	{"retention", "RETENTION", "168h"},
	{"status_rate_limit", "STATUS_RATE_LIMIT", 10.0},
	{"status_rate_burst", "STATUS_RATE_BURST", 20},
	{"log_level", "LOG_LEVEL", "info"},
	{"otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"},
}

func envOf(key string) string {
	for _, s := range settings {
		if s.key == key {
			return s.env
		}
	}
	return strings.ToUpper(key)
}

// Load reads configuration. Precedence: environment, then the YAML file at
// path (skipped when empty), then defaults. A .env file in the working
// directory is loaded into the environment first without overriding it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:        v.GetString("database_url"),
		MarketDatabaseURL:  v.GetString("market_database_url"),
		MarketMaxConns:     v.GetInt("market_max_conns"),
		MarketViaPgBouncer: v.GetBool("market_via_pgbouncer"),

		HTTPPort:      v.GetInt("http_port"),
		MetricsPort:   v.GetInt("metrics_port"),
		ControllerURL: strings.TrimRight(v.GetString("controller_url"), "/"),
		CronSecret:    v.GetString("cron_secret"),

		DefaultModel:       v.GetString("default_model"),
		OpenAIAPIKey:       v.GetString("openai_api_key"),
		OpenAIBaseURL:      v.GetString("openai_base_url"),
		GeminiAPIKey:       v.GetString("gemini_api_key"),
		ProviderTimeout:    v.GetDuration("provider_timeout"),
		ProviderMaxRetries: v.GetInt("provider_max_retries"),
		ProviderRPS:        v.GetFloat64("provider_rps"),

		DispatchConcurrency: v.GetInt("dispatch_concurrency"),

		WorkerID:                v.GetString("worker_id"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		WorkerPollInterval:      v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:        v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval: v.GetDuration("worker_heartbeat_interval"),
		LeaseTTL:                v.GetDuration("lease_ttl"),

		RecoveryInterval:    v.GetDuration("recovery_interval"),
		StaleAfter:          v.GetDuration("stale_after"),
		MaxRecoveryAttempts: v.GetInt("max_recovery_attempts"),
		ResumeDelay:         v.GetDuration("resume_delay"),
		Retention:           v.GetDuration("retention"),

		StatusRateLimit: v.GetFloat64("status_rate_limit"),
		StatusRateBurst: v.GetInt("status_rate_burst"),

		LogLevel:     v.GetString("log_level"),
		OTELEndpoint: v.GetString("otel_endpoint"),
	}
	if cfg.MarketDatabaseURL == "" {
		cfg.MarketDatabaseURL = cfg.DatabaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (env: %s)", envOf("database_url"))
	}

	positive := map[string]time.Duration{
		"provider_timeout":          c.ProviderTimeout,
		"worker_poll_interval":      c.WorkerPollInterval,
		"worker_max_backoff":        c.WorkerMaxBackoff,
		"worker_heartbeat_interval": c.WorkerHeartbeatInterval,
		"lease_ttl":                 c.LeaseTTL,
		"recovery_interval":         c.RecoveryInterval,
		"stale_after":               c.StaleAfter,
		"retention":                 c.Retention,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive (env: %s)", key, envOf(key))
		}
	}
	if c.WorkerHeartbeatInterval >= c.LeaseTTL {
		return fmt.Errorf("worker_heartbeat_interval must be shorter than lease_ttl (env: %s)", envOf("worker_heartbeat_interval"))
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("dispatch_concurrency must be positive (env: %s)", envOf("dispatch_concurrency"))
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("provider_max_retries must not be negative (env: %s)", envOf("provider_max_retries"))
	}
	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("max_recovery_attempts must be positive (env: %s)", envOf("max_recovery_attempts"))
	}
	return nil
}

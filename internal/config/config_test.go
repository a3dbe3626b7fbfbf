package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forecastplane.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"HTTPPort", cfg.HTTPPort, 6161},
		{"MetricsPort", cfg.MetricsPort, 6162},
		{"MarketDatabaseURL", cfg.MarketDatabaseURL, "postgres://localhost/test"},
		{"DefaultModel", cfg.DefaultModel, "gpt-4o-mini"},
		{"ProviderTimeout", cfg.ProviderTimeout, 60 * time.Second},
		{"ProviderMaxRetries", cfg.ProviderMaxRetries, 1},
		{"DispatchConcurrency", cfg.DispatchConcurrency, 4},
		{"WorkerConcurrency", cfg.WorkerConcurrency, 2},
		{"WorkerPollInterval", cfg.WorkerPollInterval, time.Second},
		{"WorkerMaxBackoff", cfg.WorkerMaxBackoff, 30 * time.Second},
		{"WorkerHeartbeatInterval", cfg.WorkerHeartbeatInterval, time.Minute},
		{"LeaseTTL", cfg.LeaseTTL, 5 * time.Minute},
		{"RecoveryInterval", cfg.RecoveryInterval, 10 * time.Minute},
		{"StaleAfter", cfg.StaleAfter, 30 * time.Minute},
		{"MaxRecoveryAttempts", cfg.MaxRecoveryAttempts, 3},
		{"ResumeDelay", cfg.ResumeDelay, 30 * time.Second},
		{"Retention", cfg.Retention, 7 * 24 * time.Hour},
		{"StatusRateLimit", cfg.StatusRateLimit, 10.0},
		{"StatusRateBurst", cfg.StatusRateBurst, 20},
		{"OTELEndpoint", cfg.OTELEndpoint, "localhost:4317"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("MARKET_DATABASE_URL", "postgres://markets/db")
	t.Setenv("PORT", "9999")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("CONTROLLER_URL", "http://custom:8080/")
	t.Setenv("PROVIDER_TIMEOUT", "15s")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.MarketDatabaseURL != "postgres://markets/db" {
		t.Errorf("expected MarketDatabaseURL from env, got %s", cfg.MarketDatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected WorkerConcurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerPollInterval != 2*time.Second {
		t.Errorf("expected WorkerPollInterval 2s, got %v", cfg.WorkerPollInterval)
	}
	if cfg.ControllerURL != "http://custom:8080" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.ControllerURL)
	}
	if cfg.ProviderTimeout != 15*time.Second {
		t.Errorf("expected ProviderTimeout 15s, got %v", cfg.ProviderTimeout)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantEnv string
	}{
		{"zero lease", map[string]string{"LEASE_TTL": "0s"}, "LEASE_TTL"},
		{"heartbeat not shorter than lease", map[string]string{"LEASE_TTL": "1m", "WORKER_HEARTBEAT_INTERVAL": "1m"}, "WORKER_HEARTBEAT_INTERVAL"},
		{"zero concurrency", map[string]string{"DISPATCH_CONCURRENCY": "0"}, "DISPATCH_CONCURRENCY"},
		{"negative retries", map[string]string{"PROVIDER_MAX_RETRIES": "-1"}, "PROVIDER_MAX_RETRIES"},
		{"zero recovery attempts", map[string]string{"MAX_RECOVERY_ATTEMPTS": "0"}, "MAX_RECOVERY_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantEnv) {
				t.Errorf("error %q should name %s", err, tt.wantEnv)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://config-file/db"
http_port: 7777
dispatch_concurrency: 8
stale_after: 45m
`)

	// Clear env vars that would override
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("DISPATCH_CONCURRENCY", "")
	t.Setenv("STALE_AFTER", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.DispatchConcurrency != 8 {
		t.Errorf("expected DispatchConcurrency 8, got %d", cfg.DispatchConcurrency)
	}
	if cfg.StaleAfter != 45*time.Minute {
		t.Errorf("expected StaleAfter 45m, got %v", cfg.StaleAfter)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://from-file/db"
http_port: 7777
`)

	t.Setenv("DATABASE_URL", "postgres://from-env/db")
	t.Setenv("PORT", "8888")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"forecastplane/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "forecastplane"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// PipelineMetrics holds the instruments recorded by the batch pipeline.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	outcomes        metric.Int64Counter
	providerLatency metric.Float64Histogram
	sweeps          metric.Int64Counter
}

// NewPipelineMetrics creates the pipeline instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(meterName)

	outcomes, err := meter.Int64Counter("forecastplane.predictions",
		metric.WithDescription("Per-market prediction outcomes"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("forecastplane.provider.latency",
		metric.WithDescription("Latency of a single AI provider call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sweeps, err := meter.Int64Counter("forecastplane.recovery.sessions",
		metric.WithDescription("Sessions touched by the recovery sweep, by action"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{outcomes: outcomes, providerLatency: latency, sweeps: sweeps}, nil
}

// Outcome counts a market outcome ("succeeded" or "failed") for a model.
func (m *PipelineMetrics) Outcome(ctx context.Context, model, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
}

// ProviderCall records how long one provider call took.
func (m *PipelineMetrics) ProviderCall(ctx context.Context, model string, d time.Duration, transient bool) {
	if m == nil {
		return
	}
	m.providerLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("transient_error", transient),
	))
}

// Recovery counts sessions handled by the sweep ("recovered", "abandoned", "finalized", "deleted").
func (m *PipelineMetrics) Recovery(ctx context.Context, action string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.sweeps.Add(ctx, n, metric.WithAttributes(attribute.String("action", action)))
}

// QueueCounter reports the batch queue depth.
type QueueCounter interface {
	Count(ctx context.Context) (int64, error)
}

// StatusCounter reports sessions per status.
type StatusCounter interface {
	CountSessionsByStatus(ctx context.Context) (map[store.SessionStatus]int64, error)
}

// RegisterGauges registers observable gauges that query the store only when scraped.
func RegisterGauges(queue QueueCounter, sessions StatusCounter, log *slog.Logger) error {
	meter := otel.Meter(meterName)

	_, err := meter.Int64ObservableGauge("forecastplane.queue.depth",
		metric.WithDescription("Current number of batches in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := queue.Count(ctx)
			if err != nil {
				log.Warn("failed to count queue depth", "error", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register queue depth gauge: %w", err)
	}

	_, err = meter.Int64ObservableGauge("forecastplane.sessions",
		metric.WithDescription("Prediction sessions by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			counts, err := sessions.CountSessionsByStatus(ctx)
			if err != nil {
				log.Warn("failed to count sessions", "error", err)
				return nil
			}
			for status, n := range counts {
				obs.Observe(n, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register session gauge: %w", err)
	}
	return nil
}

package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forecastplane/internal/ai"
	"forecastplane/internal/logger"
	"forecastplane/internal/marketdata"
	"forecastplane/internal/observability"
	"forecastplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const maxSummaryLen = 500

// ErrMarketsUnavailable is returned when market data for a batch cannot be loaded.
var ErrMarketsUnavailable = errors.New("market data unavailable for batch")

// DispatchConfig bounds a batch run.
type DispatchConfig struct {
	Concurrency int
	Retry       RetryPolicy
}

// BatchReport summarizes one RunBatch call.
type BatchReport struct {
	SessionID     uuid.UUID
	Status        store.SessionStatus
	Attempted     int
	Succeeded     int
	Failed        int
	ProviderCalls int
	Completed     int
	Targets       int
}

// Dispatcher runs the remaining markets of a leased session.
type Dispatcher struct {
	tracker  *Tracker
	markets  marketdata.Provider
	provider ai.Provider
	cfg      DispatchConfig
	metrics  *observability.PipelineMetrics
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(tracker *Tracker, markets marketdata.Provider, provider ai.Provider, cfg DispatchConfig, metrics *observability.PipelineMetrics, log *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.CallTimeout <= 0 {
		cfg.Retry.CallTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	return &Dispatcher{
		tracker:  tracker,
		markets:  markets,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		tracer:   otel.Tracer("forecastplane-dispatcher"),
		now:      time.Now,
	}
}

type marketOutcome struct {
	calls     int
	recorded  bool
	succeeded bool
}

// RunBatch predicts every market of the session that has not completed yet,
// with at most cfg.Concurrency provider calls in flight, then finalizes the
// session. Each outcome is persisted as soon as it is known.
//
// A per-market failure never aborts the batch. The run stops early, without
// finalizing, when ctx ends or the lease is lost; the session is then left
// for the recovery sweep.
func (d *Dispatcher) RunBatch(ctx context.Context, lease *store.Lease, session *store.Session) (*BatchReport, error) {
	ctx, span := d.tracer.Start(ctx, "run_batch", trace.WithAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.String("model", session.ModelName),
		attribute.Int("markets.target", len(session.TargetMarketIDs)),
	))
	defer span.End()

	log := d.log.With(logger.Session(session.ID), slog.String("model", session.ModelName))
	report := &BatchReport{SessionID: session.ID, Targets: len(session.TargetMarketIDs)}

	remaining := session.Remaining()
	span.SetAttributes(attribute.Int("markets.remaining", len(remaining)))

	if len(remaining) > 0 {
		if err := d.dispatch(ctx, lease, session, remaining, report, log); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
	}

	final, err := d.tracker.Finalize(ctx, lease)
	if err != nil {
		log.Error("failed to finalize session", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	report.Status = final.Status
	report.Completed = len(final.CompletedMarketIDs)
	log.Info("batch finished",
		"status", final.Status,
		"completed", report.Completed,
		"failed", len(final.FailedMarkets),
		"provider_calls", report.ProviderCalls,
	)
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, lease *store.Lease, session *store.Session, remaining []string, report *BatchReport, log *slog.Logger) error {
	found, err := d.markets.GetMarkets(ctx, remaining)
	if err != nil {
		log.Error("failed to load markets", "error", err)
		return fmt.Errorf("%w: %v", ErrMarketsUnavailable, err)
	}
	byID := make(map[string]marketdata.Market, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}

	outcomes := make([]marketOutcome, len(remaining))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for i, marketID := range remaining {
		if gctx.Err() != nil {
			break
		}
		i, marketID := i, marketID
		market, ok := byID[marketID]
		g.Go(func() error {
			if !ok {
				if err := d.recordFailure(gctx, lease, session, marketID, "market not found", log); err != nil {
					return err
				}
				outcomes[i].recorded = true
				return nil
			}
			var err error
			outcomes[i], err = d.runMarket(gctx, lease, session, market, log)
			return err
		})
	}

	waitErr := g.Wait()

	for _, o := range outcomes {
		report.ProviderCalls += o.calls
		if !o.recorded {
			continue
		}
		report.Attempted++
		if o.succeeded {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	if waitErr != nil {
		if errors.Is(waitErr, store.ErrLeaseLost) {
			log.Warn("lease lost, abandoning run", "error", waitErr)
		}
		return waitErr
	}
	return ctx.Err()
}

// runMarket returns an error only when the whole batch must stop.
func (d *Dispatcher) runMarket(ctx context.Context, lease *store.Lease, session *store.Session, market marketdata.Market, log *slog.Logger) (marketOutcome, error) {
	ctx, span := d.tracer.Start(ctx, "predict_market", trace.WithAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.String("market.id", market.ID),
	))
	defer span.End()

	call := &marketCall{
		policy:   d.cfg.Retry,
		provider: d.provider,
		model:    session.ModelName,
		prompt:   BuildPrompt(market),
		observe: func(elapsed time.Duration, err error) {
			d.metrics.ProviderCall(ctx, session.ModelName, elapsed, ai.IsTransient(err))
		},
	}

	raw, err := call.run(ctx)
	out := marketOutcome{calls: call.attempts}
	span.SetAttributes(attribute.Int("attempts", call.attempts), attribute.String("state", call.state.String()))

	if ctx.Err() != nil {
		// the run is being torn down; the market stays unprocessed
		return out, ctx.Err()
	}

	fail := func(summary string) (marketOutcome, error) {
		if err := d.recordFailure(ctx, lease, session, market.ID, summary, log); err != nil {
			return out, err
		}
		out.recorded = true
		return out, nil
	}

	if err != nil {
		span.RecordError(err)
		return fail(fmt.Sprintf("provider error after %d attempt(s): %v", call.attempts, err))
	}

	payload, err := ParsePayload(raw, market.Outcomes)
	if err != nil {
		span.RecordError(err)
		return fail(err.Error())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(err.Error())
	}

	result := &store.PredictionResult{
		ID:          uuid.New(),
		SessionID:   session.ID,
		MarketID:    market.ID,
		ModelName:   session.ModelName,
		Payload:     body,
		RawResponse: raw,
		CreatedAt:   d.now().UTC(),
	}
	if _, err := d.tracker.RecordSuccess(ctx, lease, result); err != nil {
		log.Error("failed to record success", logger.Market(market.ID), "error", err)
		return out, err
	}

	out.recorded = true
	out.succeeded = true
	d.metrics.Outcome(ctx, session.ModelName, "succeeded")
	log.Debug("market predicted", logger.Market(market.ID), "attempts", call.attempts)
	return out, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, lease *store.Lease, session *store.Session, marketID, summary string, log *slog.Logger) error {
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	log.Warn("market failed", logger.Market(marketID), "error", summary)

	if _, err := d.tracker.RecordFailure(ctx, lease, marketID, summary); err != nil {
		log.Error("failed to record failure", logger.Market(marketID), "error", err)
		return err
	}
	d.metrics.Outcome(ctx, session.ModelName, "failed")
	return nil
}

// Package worker contains the worker-side pull loop that runs prediction batches.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forecastplane/internal/logger"
	"forecastplane/internal/prediction"
	"forecastplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int           // Batches run at once (default: 1)
	PollInterval      time.Duration // Minimum delay between empty polls (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval time.Duration // Interval between lease extensions (default: 1m)
}

// Leaser acquires and extends session leases.
type Leaser interface {
	MarkInProgress(ctx context.Context, id uuid.UUID, owner string) (*store.Lease, error)
	Heartbeat(ctx context.Context, lease *store.Lease) error
}

// SessionReader loads a session.
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error)
}

// BatchRunner runs a leased session to completion.
type BatchRunner interface {
	RunBatch(ctx context.Context, lease *store.Lease, session *store.Session) (*prediction.BatchReport, error)
}

// Agent is the main worker agent that runs the pull-loop for prediction batches.
type Agent struct {
	queue    store.Queue
	sessions SessionReader
	leaser   Leaser
	runner   BatchRunner
	config   AgentConfig
	log      *slog.Logger
	done     chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, sessions SessionReader, leaser Leaser, runner BatchRunner, config AgentConfig, log *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = time.Minute
	}

	if config.ID == "" {
		config.ID = "worker"
	}

	return &Agent{
		queue:    q,
		sessions: sessions,
		leaser:   leaser,
		runner:   runner,
		config:   config,
		log:      log.With("worker_id", config.ID),
		done:     make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On cancellation it stops claiming new batches and waits for running ones.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, waiting for running batches to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.ClaimBatch(ctx, availableSlots)
			if err != nil {
				a.log.Error("claim batch failed", "error", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval
			a.log.Debug("claimed batches", "count", len(items))

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processItem(ctx, item)
				}(item)
			}

			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem leases the session of a claimed item and runs its batch.
// The batch outlives ctx so a shutdown drains running work; a lost lease
// stops it.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	log := a.log.With(logger.Session(item.SessionID))

	var payload store.BatchPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		// The session stays pending without a queue row; recovery re-queues it.
		log.Error("invalid batch payload", "error", err)
		return
	}

	traceCtx := context.WithoutCancel(ctx)
	if payload.Trace != nil {
		traceCtx = otel.GetTextMapPropagator().Extract(traceCtx, propagation.MapCarrier(payload.Trace))
	}

	spanCtx, span := otel.Tracer("worker-agent").Start(traceCtx, "process_batch",
		trace.WithAttributes(
			attribute.String("session.id", item.SessionID.String()),
			attribute.String("model", payload.ModelName),
			attribute.Bool("resume", payload.Resume),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// A fresh owner per run keeps an older run of this worker fenced out.
	owner := fmt.Sprintf("%s/%s", a.config.ID, uuid.NewString())
	lease, err := a.leaser.MarkInProgress(spanCtx, item.SessionID, owner)
	switch {
	case errors.Is(err, store.ErrAlreadyLeased):
		log.Info("session already leased or finished, skipping")
		return
	case errors.Is(err, store.ErrSessionNotFound):
		log.Warn("queued session no longer exists")
		return
	case err != nil:
		span.RecordError(err)
		log.Error("failed to lease session", "error", err)
		return
	}

	session, err := a.sessions.GetSession(spanCtx, item.SessionID)
	if err != nil {
		span.RecordError(err)
		log.Error("failed to load leased session", "error", err)
		return
	}

	runCtx, cancelRun := context.WithCancel(spanCtx)
	defer cancelRun()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		a.runHeartbeat(runCtx, lease, cancelRun, log)
	}()

	log.Info("processing batch", "resume", payload.Resume, "remaining", len(session.Remaining()))
	report, err := a.runner.RunBatch(runCtx, lease, session)
	cancelRun()
	<-heartbeatDone

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("batch stopped before finishing", "error", err)
		return
	}
	span.SetAttributes(attribute.String("session.status", string(report.Status)))
	log.Info("batch done",
		"status", report.Status,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"provider_calls", report.ProviderCalls)
}

// runHeartbeat extends the lease periodically while a batch runs. Losing the
// lease cancels the batch.
func (a *Agent) runHeartbeat(ctx context.Context, lease *store.Lease, cancelRun context.CancelFunc, log *slog.Logger) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.leaser.Heartbeat(ctx, lease)
			if errors.Is(err, store.ErrLeaseLost) {
				log.Warn("session lease lost, stopping batch")
				cancelRun()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

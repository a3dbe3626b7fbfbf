// Package recovery detects sessions whose dispatcher died and either resumes,
// finalizes or abandons them, and purges old terminal sessions.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forecastplane/internal/logger"
	"forecastplane/internal/observability"
	"forecastplane/internal/store"
)

const sweeperOwner = "recovery-sweep"

// Store is what the sweeper needs from persistence.
type Store interface {
	store.SessionStore
	store.Queue
	store.TxBeginner
}

// Config tunes the sweep.
type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
	Retention   time.Duration
	// ResumeDelay is multiplied by the attempt number to delay a resumed batch.
	ResumeDelay time.Duration
	LeaseTTL    time.Duration
}

// Report summarizes one recovery pass.
type Report struct {
	Recovered int `json:"recovered"`
	Abandoned int `json:"abandoned"`
	Finalized int `json:"finalized"`
	Errors    int `json:"errors"`
}

// Sweeper runs recovery and cleanup passes.
type Sweeper struct {
	store   Store
	cfg     Config
	metrics *observability.PipelineMetrics
	log     *slog.Logger
	now     func() time.Time

	kick chan struct{}
	// pass serializes passes within the process; the store's conditional
	// updates keep passes in different processes from double-acting.
	pass sync.Mutex
}

// New creates a Sweeper. metrics may be nil.
func New(st Store, cfg Config, metrics *observability.PipelineMetrics, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ResumeDelay < 0 {
		cfg.ResumeDelay = 0
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	return &Sweeper{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// WithClock overrides the clock; used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Kick requests a pass as soon as possible. Requests made while one is pending
// are coalesced.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run performs a pass every Interval and whenever kicked, until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one recovery pass followed by one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, int64) {
	report, err := s.RecoverStuckSessions(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.Error("recovery pass failed", "error", err)
	}
	deleted, err := s.CleanupOldSessions(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Error("cleanup pass failed", "error", err)
	}
	return report, deleted
}

// RecoverStuckSessions handles every session stuck for longer than staleAfter:
// sessions with nothing left to do are finalized, sessions that reached the
// attempt ceiling are abandoned, and the rest are returned to pending and
// re-queued to resume their remaining markets.
func (s *Sweeper) RecoverStuckSessions(ctx context.Context, staleAfter time.Duration) (Report, error) {
	s.pass.Lock()
	defer s.pass.Unlock()

	var report Report
	cutoff := s.now().Add(-staleAfter)

	stuck, err := s.store.ListStuckSessions(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list stuck sessions: %w", err)
	}

	for i := range stuck {
		session := &stuck[i]
		log := s.log.With(logger.Session(session.ID), slog.Int("recovery_attempts", session.RecoveryAttempts))

		var (
			acted bool
			err   error
		)
		switch {
		case len(session.Remaining()) == 0:
			acted, err = s.finalize(ctx, session)
			if acted {
				report.Finalized++
				log.Info("finalized stuck session with nothing remaining")
			}
		case session.RecoveryAttempts >= s.cfg.MaxAttempts:
			acted, err = s.store.AbandonSession(ctx, session.ID, cutoff)
			if acted {
				report.Abandoned++
				log.Warn("abandoned session after repeated recovery attempts",
					"completed", len(session.CompletedMarketIDs),
					"targets", len(session.TargetMarketIDs))
			}
		default:
			acted, err = s.resume(ctx, session, cutoff)
			if acted {
				report.Recovered++
				log.Info("re-queued stuck session", "remaining", len(session.Remaining()))
			}
		}

		if err != nil {
			report.Errors++
			log.Error("failed to recover session", "error", err)
			continue
		}
		if !acted {
			log.Debug("session no longer stuck")
		}
	}

	s.metrics.Recovery(ctx, "recovered", int64(report.Recovered))
	s.metrics.Recovery(ctx, "abandoned", int64(report.Abandoned))
	s.metrics.Recovery(ctx, "finalized", int64(report.Finalized))
	return report, nil
}

func (s *Sweeper) resume(ctx context.Context, session *store.Session, cutoff time.Time) (bool, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := s.store.ReclaimSession(ctx, tx, session.ID, cutoff)
	if err != nil || !ok {
		return false, err
	}

	payload, err := json.Marshal(store.BatchPayload{
		SessionID: session.ID,
		ModelName: session.ModelName,
		Resume:    true,
	})
	if err != nil {
		return false, err
	}
	attempt := session.RecoveryAttempts + 1
	visibleAfter := s.now().Add(time.Duration(attempt) * s.cfg.ResumeDelay)
	if err := s.store.Enqueue(ctx, tx, session.ID, payload, visibleAfter); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sweeper) finalize(ctx context.Context, session *store.Session) (bool, error) {
	lease, err := s.store.AcquireLease(ctx, session.ID, sweeperOwner, s.cfg.LeaseTTL)
	if errors.Is(err, store.ErrAlreadyLeased) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.store.Finalize(ctx, lease); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupOldSessions deletes terminal sessions not updated for olderThan.
// Results are kept.
func (s *Sweeper) CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	deleted, err := s.store.DeleteTerminalSessions(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("deleted old sessions", "count", deleted)
	}
	s.metrics.Recovery(ctx, "deleted", deleted)
	return deleted, nil
}

// Package sweep runs scheduled maintenance: deleting sessions idle past
// their TTL and expiring stale gates.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/stationhq/conductor/internal/gate"
	"github.com/stationhq/conductor/internal/persistence"
	"github.com/stationhq/conductor/internal/session"
)

// Config holds the dependencies and tunables for the sweeper.
type Config struct {
	Store      *session.Store
	Persist    *persistence.Store
	Gates      *gate.Manager
	Logger     *slog.Logger
	Schedule   string        // cron spec or @every descriptor; defaults to hourly
	SessionTTL time.Duration // idle age before a session is deleted
}

// Sweeper schedules TTL and gate-expiry sweeps with robfig/cron. Both sweeps
// can also be invoked directly, which the tests use.
type Sweeper struct {
	store      *session.Store
	persist    *persistence.Store
	gates      *gate.Manager
	logger     *slog.Logger
	schedule   string
	sessionTTL time.Duration

	mu   sync.Mutex
	cron *cronlib.Cron
}

func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Sweeper{
		store:      cfg.Store,
		persist:    cfg.Persist,
		gates:      cfg.Gates,
		logger:     logger,
		schedule:   schedule,
		sessionTTL: ttl,
	}
}

// Start registers both sweeps with the scheduler and starts it.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	schedule, ttl := s.schedule, s.sessionTTL
	s.mu.Unlock()

	c := cronlib.New()
	if _, err := c.AddFunc(schedule, func() { s.Run(ctx) }); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("sweeper started", "schedule", schedule, "session_ttl", ttl)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Reschedule restarts the scheduler with new tunables. No-op when the
// sweeper was never started.
func (s *Sweeper) Reschedule(ctx context.Context, schedule string, sessionTTL time.Duration) error {
	s.mu.Lock()
	running := s.cron != nil
	if schedule != "" {
		s.schedule = schedule
	}
	if sessionTTL > 0 {
		s.sessionTTL = sessionTTL
	}
	s.mu.Unlock()

	if !running {
		return nil
	}
	s.Stop()
	return s.Start(ctx)
}

// Run executes one full sweep pass.
func (s *Sweeper) Run(ctx context.Context) {
	if n, err := s.SweepExpiredSessions(ctx); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("session sweep deleted sessions", "count", n)
	}
	if err := s.SweepExpiredGates(ctx); err != nil {
		s.logger.Error("gate sweep failed", "error", err)
	}
}

// SweepExpiredSessions deletes every persisted session not updated within the
// TTL. Deletion tears down in-memory state and the persistence queue too.
func (s *Sweeper) SweepExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	ttl := s.sessionTTL
	s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	ids, err := s.persist.SessionsUpdatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	deleted := 0
	for _, id := range ids {
		// Skip sessions with a turn in flight; the next pass catches them.
		if st, ok := s.store.Get(id); ok && st.IsLoopRunning {
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Error("sweep: delete session", "session_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// SweepExpiredGates prunes expired pending questions across loaded sessions.
func (s *Sweeper) SweepExpiredGates(ctx context.Context) error {
	for _, id := range s.store.LoadedSessions() {
		if err := s.gates.PruneExpired(ctx, id); err != nil {
			return fmt.Errorf("prune gates for %s: %w", id, err)
		}
	}
	return nil
}

// Package sweeper is the background hygiene process. It bulk-expires
// sessions, purges rows past their retention window and drops stale rate
// limit counters. Correctness never depends on it: every store also
// checks expiry lazily, so a skipped or delayed sweep costs only disk.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"authcore/internal/lib/logger/sl"
)

type SessionJanitor interface {
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteInactiveSessionsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type TokenJanitor interface {
	DeleteStaleTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type CounterJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Stats reports what one sweep removed.
type Stats struct {
	ExpiredSessions int64
	DeletedSessions int64
	DeletedTokens   int64
	DeletedCounters int64
}

type Config struct {
	Interval         time.Duration
	SessionRetention time.Duration
	TokenRetention   time.Duration
	CounterGrace     time.Duration
	BatchSize        int
}

type Sweeper struct {
	log      *slog.Logger
	sessions SessionJanitor
	tokens   TokenJanitor
	counters CounterJanitor
	cfg      Config

	sweeping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func New(log *slog.Logger, sessions SessionJanitor, tokens TokenJanitor, counters CounterJanitor, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Sweeper{
		log:      log,
		sessions: sessions,
		tokens:   tokens,
		counters: counters,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; Stop waits for
// the loop to drain.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep and is safe to call from tests or an
// operator endpoint. Overlapping calls are skipped rather than queued;
// every write below is idempotent, so a skipped tick loses nothing.
func (s *Sweeper) RunOnce(ctx context.Context) Stats {
	const op = "sweeper.Sweeper.RunOnce"

	log := s.log.With(slog.String("op", op))

	if !s.sweeping.CompareAndSwap(false, true) {
		log.Debug("previous sweep still running, skipping tick")
		return Stats{}
	}
	defer s.sweeping.Store(false)

	now := time.Now().UTC()

	var stats Stats
	var err error

	stats.ExpiredSessions, err = s.sessions.ExpireSessions(ctx, now)
	if err != nil {
		log.Warn("failed to expire sessions", sl.Err(err))
	}

	stats.DeletedSessions, err = s.sessions.DeleteInactiveSessionsBefore(ctx, now.Add(-s.cfg.SessionRetention), s.cfg.BatchSize)
	if err != nil {
		log.Warn("failed to purge sessions", sl.Err(err))
	}

	stats.DeletedTokens, err = s.tokens.DeleteStaleTokens(ctx, now.Add(-s.cfg.TokenRetention), s.cfg.BatchSize)
	if err != nil {
		log.Warn("failed to purge tokens", sl.Err(err))
	}

	stats.DeletedCounters, err = s.counters.Cleanup(ctx, s.cfg.CounterGrace)
	if err != nil {
		log.Warn("failed to clean rate limit counters", sl.Err(err))
	}

	log.Info("sweep finished",
		slog.Int64("expired_sessions", stats.ExpiredSessions),
		slog.Int64("deleted_sessions", stats.DeletedSessions),
		slog.Int64("deleted_tokens", stats.DeletedTokens),
		slog.Int64("deleted_counters", stats.DeletedCounters),
	)

	return stats
}

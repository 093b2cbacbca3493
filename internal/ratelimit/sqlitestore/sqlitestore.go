// Package sqlitestore is the embedded-database rate limit backend. It
// shares the process's sqlite handle, which makes counters durable across
// restarts and shared between the subsystems of one instance.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"authcore/internal/ratelimit"
)

type Backend struct {
	db *sql.DB
}

func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Increment is one upsert: the CASE expressions restart the window when it
// has ended and bump it in place otherwise, and RETURNING hands back the
// row the write produced. There is no read-then-write gap for concurrent
// requests to fall into.
func (b *Backend) Increment(ctx context.Context, key string, window time.Duration, maxHits int) (ratelimit.Result, error) {
	const op = "ratelimit.sqlitestore.Increment"

	nowMs := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	threshold := nowMs - windowMs

	var hits, windowStart int64
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (counter_key, hits, window_start, window_ms, max_hits, updated_at)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			hits = CASE
				WHEN rate_limit_counters.window_start <= ? THEN 1
				ELSE rate_limit_counters.hits + 1
			END,
			window_start = CASE
				WHEN rate_limit_counters.window_start <= ? THEN excluded.window_start
				ELSE rate_limit_counters.window_start
			END,
			window_ms = excluded.window_ms,
			max_hits = excluded.max_hits,
			updated_at = excluded.updated_at
		RETURNING hits, window_start
	`, key, nowMs, windowMs, maxHits, nowMs, threshold, threshold).Scan(&hits, &windowStart)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("%s: %w", op, err)
	}

	endsIn := time.Duration(windowStart+windowMs-nowMs) * time.Millisecond

	return ratelimit.NewResult(hits, maxHits, endsIn), nil
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	const op = "ratelimit.sqlitestore.Reset"

	_, err := b.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE counter_key = ?`, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (b *Backend) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	const op = "ratelimit.sqlitestore.Cleanup"

	cutoff := time.Now().Add(-olderThan).UnixMilli()

	res, err := b.db.ExecContext(ctx, `
		DELETE FROM rate_limit_counters WHERE window_start + window_ms < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return affected, nil
}

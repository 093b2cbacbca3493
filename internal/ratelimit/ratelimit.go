// Package ratelimit implements a fixed sliding-window rate limiter over
// interchangeable storage backends. The Limiter facade owns an ordered
// backend chain with failover; the request path never sees a backend
// fault because the limiter fails open.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store is the backend contract. Increment must be a single atomic
// conditional write per key: when the current window has ended (or the key
// is new) the window restarts with one hit, otherwise the hit count grows
// in place. Read-then-write implementations lose updates under concurrent
// requests and are not acceptable.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, maxHits int) (Result, error)
	Reset(ctx context.Context, key string) error
	// Cleanup removes counters whose window ended more than olderThan ago.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Name() string
}

// Result describes the counter state after one increment.
type Result struct {
	TotalHits       int64
	RemainingPoints int64
	MsBeforeNext    int64
	IsFirstInWindow bool
}

// LimitExceededError reports an exhausted window. RetryAfter tells the
// caller when the next attempt can succeed; middleware maps it to a 429
// Retry-After header.
type LimitExceededError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

// NewResult builds a Result from the counter state a backend observed
// after its atomic write. windowEndsIn is how long the current window has
// left to run.
func NewResult(hits int64, maxHits int, windowEndsIn time.Duration) Result {
	remaining := int64(maxHits) - hits
	if remaining < 0 {
		remaining = 0
	}

	ms := windowEndsIn.Milliseconds()
	if ms < 0 {
		ms = 0
	}

	return Result{
		TotalHits:       hits,
		RemainingPoints: remaining,
		MsBeforeNext:    ms,
		IsFirstInWindow: hits == 1,
	}
}

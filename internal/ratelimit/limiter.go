package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"authcore/internal/lib/logger/sl"
)

const (
	defaultTimeout  = 250 * time.Millisecond
	defaultCooldown = 30 * time.Second
)

// Limiter fronts an ordered chain of backends (e.g. redis, then the
// embedded database, then memory). Increment uses the first backend that
// is not in cooldown; a faulting backend is benched for the cooldown
// period and the next one takes over. When every backend faults the
// limiter fails open: the request is permitted and the fault is logged,
// because service availability must not depend on the limiter's store.
type Limiter struct {
	log      *slog.Logger
	backends []Store
	timeout  time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	downUntil map[string]time.Time
}

func New(log *slog.Logger, backends []Store, timeout, cooldown time.Duration) *Limiter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	return &Limiter{
		log:       log,
		backends:  backends,
		timeout:   timeout,
		cooldown:  cooldown,
		downUntil: make(map[string]time.Time),
	}
}

// Increment counts one hit against key and reports whether the caller may
// proceed. A *LimitExceededError is the only error the request path ever
// sees; backend faults degrade to "allowed".
func (l *Limiter) Increment(ctx context.Context, key string, window time.Duration, maxHits int) (Result, error) {
	const op = "ratelimit.Limiter.Increment"

	log := l.log.With(slog.String("op", op), slog.String("key", key))

	for _, backend := range l.backends {
		if l.benched(backend) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		res, err := backend.Increment(callCtx, key, window, maxHits)
		cancel()

		if err != nil {
			log.Warn("rate limit backend fault, failing over",
				slog.String("backend", backend.Name()), sl.Err(err))
			l.bench(backend)
			continue
		}

		if res.TotalHits > int64(maxHits) {
			return res, &LimitExceededError{
				Key:        key,
				RetryAfter: time.Duration(res.MsBeforeNext) * time.Millisecond,
			}
		}

		return res, nil
	}

	log.Error("all rate limit backends unavailable, failing open")

	return NewResult(1, maxHits, window), nil
}

// Reset clears the counter for key on every backend that is currently
// reachable, so a failback does not resurrect a stale window.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	const op = "ratelimit.Limiter.Reset"

	var errs []error
	for _, backend := range l.backends {
		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		err := backend.Reset(callCtx, key)
		cancel()

		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Cleanup drops long-expired counters on all backends. Called by the
// sweeper, never per-request.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	const op = "ratelimit.Limiter.Cleanup"

	log := l.log.With(slog.String("op", op))

	var total int64
	for _, backend := range l.backends {
		removed, err := backend.Cleanup(ctx, olderThan)
		if err != nil {
			log.Warn("rate limit cleanup failed",
				slog.String("backend", backend.Name()), sl.Err(err))
			continue
		}
		total += removed
	}

	return total, nil
}

func (l *Limiter) benched(backend Store) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.downUntil[backend.Name()]
	if !ok {
		return false
	}

	if time.Now().After(until) {
		delete(l.downUntil, backend.Name())
		return false
	}

	return true
}

func (l *Limiter) bench(backend Store) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.downUntil[backend.Name()] = time.Now().Add(l.cooldown)
}

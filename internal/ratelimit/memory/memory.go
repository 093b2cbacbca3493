// Package memory is the in-process rate limit backend. It is the terminal
// fallback of the limiter chain and the default for single-instance
// deployments. State is per-process, so two server instances each count
// their own hits.
package memory

import (
	"context"
	"sync"
	"time"

	"authcore/internal/ratelimit"
)

type entry struct {
	mu          sync.Mutex
	hits        int64
	windowStart time.Time
	window      time.Duration
	updatedAt   time.Time
}

type Backend struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Backend {
	return &Backend{entries: make(map[string]*entry)}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Ping(_ context.Context) error { return nil }

// Increment locks only the entry for key after the map lookup, so
// unrelated keys do not contend.
func (b *Backend) Increment(_ context.Context, key string, window time.Duration, maxHits int) (ratelimit.Result, error) {
	now := time.Now()

	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	b.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hits == 0 || !now.Before(e.windowStart.Add(e.window)) {
		e.hits = 1
		e.windowStart = now
		e.window = window
	} else {
		e.hits++
	}
	e.updatedAt = now

	endsIn := e.windowStart.Add(e.window).Sub(now)

	return ratelimit.NewResult(e.hits, maxHits, endsIn), nil
}

func (b *Backend) Reset(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)

	return nil
}

func (b *Backend) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	var removed int64
	for key, e := range b.entries {
		e.mu.Lock()
		stale := now.Sub(e.windowStart.Add(e.window)) > olderThan
		e.mu.Unlock()

		if stale {
			delete(b.entries, key)
			removed++
		}
	}

	return removed, nil
}

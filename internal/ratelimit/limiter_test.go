package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/ratelimit"
	"authcore/internal/ratelimit/memory"
	"authcore/internal/ratelimit/sqlitestore"
	"authcore/internal/storage/sqlite"
	"authcore/migrations"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestStorage(t *testing.T) *sqlite.Storage {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")

	store, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	store.DB().SetMaxOpenConns(1)

	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)

	driver, err := migratesqlite.WithInstance(store.DB(), &migratesqlite.Config{})
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	return store
}

// backends that must behave identically for the window properties.
func contractBackends(t *testing.T) map[string]ratelimit.Store {
	return map[string]ratelimit.Store{
		"memory": memory.New(),
		"sqlite": sqlitestore.New(newTestStorage(t).DB()),
	}
}

func TestIncrement_AllowsUpToLimitThenBlocks(t *testing.T) {
	for name, backend := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			limiter := ratelimit.New(discardLogger(), []ratelimit.Store{backend}, 0, 0)

			const maxHits = 5
			window := time.Minute

			var lastRemaining int64 = maxHits
			for i := 0; i < maxHits; i++ {
				res, err := limiter.Increment(context.Background(), "ip:10.0.0.1:login", window, maxHits)
				require.NoError(t, err, "call %d must be allowed", i+1)

				assert.Equal(t, int64(i+1), res.TotalHits)
				assert.Less(t, res.RemainingPoints, lastRemaining, "remaining must strictly decrease")
				lastRemaining = res.RemainingPoints
			}

			res, err := limiter.Increment(context.Background(), "ip:10.0.0.1:login", window, maxHits)
			require.Error(t, err)

			var limitErr *ratelimit.LimitExceededError
			require.ErrorAs(t, err, &limitErr)
			assert.LessOrEqual(t, limitErr.RetryAfter, time.Minute)
			assert.Greater(t, limitErr.RetryAfter, time.Duration(0))
			assert.Equal(t, int64(0), res.RemainingPoints)
		})
	}
}

func TestIncrement_WindowRollover(t *testing.T) {
	for name, backend := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			limiter := ratelimit.New(discardLogger(), []ratelimit.Store{backend}, 0, 0)

			const maxHits = 3
			window := 80 * time.Millisecond

			for i := 0; i < maxHits; i++ {
				_, err := limiter.Increment(context.Background(), "k", window, maxHits)
				require.NoError(t, err)
			}

			_, err := limiter.Increment(context.Background(), "k", window, maxHits)
			require.Error(t, err)

			time.Sleep(window + 20*time.Millisecond)

			res, err := limiter.Increment(context.Background(), "k", window, maxHits)
			require.NoError(t, err)
			assert.True(t, res.IsFirstInWindow)
			assert.Equal(t, int64(1), res.TotalHits)
			assert.Equal(t, int64(maxHits-1), res.RemainingPoints)
		})
	}
}

func TestIncrement_IndependentKeys(t *testing.T) {
	for name, backend := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			limiter := ratelimit.New(discardLogger(), []ratelimit.Store{backend}, 0, 0)

			_, err := limiter.Increment(context.Background(), "a", time.Minute, 1)
			require.NoError(t, err)

			_, err = limiter.Increment(context.Background(), "a", time.Minute, 1)
			require.Error(t, err)

			res, err := limiter.Increment(context.Background(), "b", time.Minute, 1)
			require.NoError(t, err)
			assert.True(t, res.IsFirstInWindow)
		})
	}
}

func TestReset_StartsFreshWindow(t *testing.T) {
	for name, backend := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			limiter := ratelimit.New(discardLogger(), []ratelimit.Store{backend}, 0, 0)

			for i := 0; i < 2; i++ {
				_, err := limiter.Increment(context.Background(), "k", time.Minute, 2)
				require.NoError(t, err)
			}

			_, err := limiter.Increment(context.Background(), "k", time.Minute, 2)
			require.Error(t, err)

			require.NoError(t, limiter.Reset(context.Background(), "k"))

			res, err := limiter.Increment(context.Background(), "k", time.Minute, 2)
			require.NoError(t, err)
			assert.True(t, res.IsFirstInWindow)
		})
	}
}

func TestCleanup_RemovesStaleCounters(t *testing.T) {
	for name, backend := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Increment(context.Background(), "stale", 10*time.Millisecond, 5)
			require.NoError(t, err)

			time.Sleep(30 * time.Millisecond)

			removed, err := backend.Cleanup(context.Background(), 10*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)
		})
	}
}

func TestLoginScenario_SixRapidCalls(t *testing.T) {
	limiter := ratelimit.New(discardLogger(), []ratelimit.Store{memory.New()}, 0, 0)

	const maxHits = 5
	window := 60_000 * time.Millisecond

	allowed := make([]bool, 0, 6)
	var retryAfter time.Duration
	for i := 0; i < 6; i++ {
		_, err := limiter.Increment(context.Background(), "ip:192.0.2.7:login", window, maxHits)

		var limitErr *ratelimit.LimitExceededError
		if errors.As(err, &limitErr) {
			allowed = append(allowed, false)
			retryAfter = limitErr.RetryAfter
			continue
		}

		require.NoError(t, err)
		allowed = append(allowed, true)
	}

	assert.Equal(t, []bool{true, true, true, true, true, false}, allowed)
	assert.LessOrEqual(t, retryAfter, 60*time.Second)
}

type flakyStore struct {
	name  string
	fail  bool
	calls int
}

func (f *flakyStore) Increment(_ context.Context, _ string, window time.Duration, maxHits int) (ratelimit.Result, error) {
	f.calls++
	if f.fail {
		return ratelimit.Result{}, errors.New("backend down")
	}
	return ratelimit.NewResult(1, maxHits, window), nil
}

func (f *flakyStore) Reset(context.Context, string) error { return nil }

func (f *flakyStore) Cleanup(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *flakyStore) Ping(context.Context) error { return nil }

func (f *flakyStore) Name() string { return f.name }

func TestIncrement_FailsOverToNextBackend(t *testing.T) {
	broken := &flakyStore{name: "broken", fail: true}
	healthy := &flakyStore{name: "healthy"}

	limiter := ratelimit.New(discardLogger(), []ratelimit.Store{broken, healthy}, 0, time.Minute)

	res, err := limiter.Increment(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalHits)
	assert.Equal(t, 1, healthy.calls)

	// The broken backend is benched; the next call skips it entirely.
	_, err = limiter.Increment(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 2, healthy.calls)
}

func TestIncrement_FailsOpenWhenAllBackendsDown(t *testing.T) {
	broken := &flakyStore{name: "broken", fail: true}

	limiter := ratelimit.New(discardLogger(), []ratelimit.Store{broken}, 0, time.Minute)

	res, err := limiter.Increment(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err, "backend faults must not block the request")
	assert.Equal(t, int64(1), res.TotalHits)
	assert.Equal(t, int64(4), res.RemainingPoints)
}

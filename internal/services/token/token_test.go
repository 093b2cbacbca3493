package token_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/domain/models"
	"authcore/internal/ratelimit"
	"authcore/internal/ratelimit/memory"
	tokensvc "authcore/internal/services/token"
	"authcore/internal/storage/sqlite"
	"authcore/migrations"
)

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newService(t *testing.T, resetTTL time.Duration, issueMaxHits int) *tokensvc.Tokens {
	t.Helper()

	store := newTestStorage(t)
	limiter := ratelimit.New(discardLogger(), []ratelimit.Store{memory.New()}, 0, 0)

	return tokensvc.New(discardLogger(), store, store, limiter, resetTTL, 24*time.Hour, 15*time.Minute, issueMaxHits)
}

func TestCreateValidate_RoundTrip(t *testing.T) {
	svc := newService(t, time.Hour, 10)
	userID := gofakeit.UUID()

	issued, err := svc.CreatePasswordResetToken(context.Background(), userID)
	require.NoError(t, err)
	require.NotEmpty(t, issued.RawToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), issued.ExpiresAt, time.Minute)

	validation, err := svc.Validate(context.Background(), issued.RawToken, models.TokenPasswordReset)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.Equal(t, userID, validation.UserID)
}

func TestValidate_KindMismatch(t *testing.T) {
	svc := newService(t, time.Hour, 10)

	issued, err := svc.CreatePasswordResetToken(context.Background(), gofakeit.UUID())
	require.NoError(t, err)

	validation, err := svc.Validate(context.Background(), issued.RawToken, models.TokenEmailVerification)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, tokensvc.ReasonNotFound, validation.Reason)
}

func TestCreate_SupersedesPriorUnusedToken(t *testing.T) {
	svc := newService(t, time.Hour, 10)
	userID := gofakeit.UUID()

	first, err := svc.CreatePasswordResetToken(context.Background(), userID)
	require.NoError(t, err)

	second, err := svc.CreatePasswordResetToken(context.Background(), userID)
	require.NoError(t, err)

	validation, err := svc.Validate(context.Background(), first.RawToken, models.TokenPasswordReset)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, tokensvc.ReasonAlreadyUsed, validation.Reason)

	validation, err = svc.Validate(context.Background(), second.RawToken, models.TokenPasswordReset)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
}

func TestCreate_KindsDoNotSupersedeEachOther(t *testing.T) {
	svc := newService(t, time.Hour, 10)
	userID := gofakeit.UUID()

	reset, err := svc.CreatePasswordResetToken(context.Background(), userID)
	require.NoError(t, err)

	_, err = svc.CreateEmailVerificationToken(context.Background(), userID)
	require.NoError(t, err)

	validation, err := svc.Validate(context.Background(), reset.RawToken, models.TokenPasswordReset)
	require.NoError(t, err)
	assert.True(t, validation.Valid, "a verification token must not supersede a reset token")
}

func TestConsume_ExactlyOnce(t *testing.T) {
	svc := newService(t, time.Hour, 10)

	issued, err := svc.CreatePasswordResetToken(context.Background(), gofakeit.UUID())
	require.NoError(t, err)

	require.NoError(t, svc.Consume(context.Background(), issued.RawToken, models.TokenPasswordReset))

	err = svc.Consume(context.Background(), issued.RawToken, models.TokenPasswordReset)
	require.ErrorIs(t, err, tokensvc.ErrAlreadyUsed)
}

func TestConsume_ConcurrentRedemption(t *testing.T) {
	svc := newService(t, time.Hour, 10)

	issued, err := svc.CreatePasswordResetToken(context.Background(), gofakeit.UUID())
	require.NoError(t, err)

	const attempts = 2

	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Consume(context.Background(), issued.RawToken, models.TokenPasswordReset)
		}(i)
	}
	wg.Wait()

	var successes, alreadyUsed int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		default:
			require.ErrorIs(t, err, tokensvc.ErrAlreadyUsed)
			alreadyUsed++
		}
	}

	assert.Equal(t, 1, successes, "exactly one concurrent consume must win")
	assert.Equal(t, attempts-1, alreadyUsed)
}

func TestConsume_ExpiredToken(t *testing.T) {
	svc := newService(t, 30*time.Millisecond, 10)

	issued, err := svc.CreatePasswordResetToken(context.Background(), gofakeit.UUID())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	err = svc.Consume(context.Background(), issued.RawToken, models.TokenPasswordReset)
	require.ErrorIs(t, err, tokensvc.ErrExpired)

	validation, err := svc.Validate(context.Background(), issued.RawToken, models.TokenPasswordReset)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, tokensvc.ReasonExpired, validation.Reason)
}

func TestConsume_UnknownToken(t *testing.T) {
	svc := newService(t, time.Hour, 10)

	err := svc.Consume(context.Background(), "never-issued", models.TokenPasswordReset)
	require.ErrorIs(t, err, tokensvc.ErrNotFound)
}

func TestCreate_IssuanceRateLimited(t *testing.T) {
	svc := newService(t, time.Hour, 2)
	userID := gofakeit.UUID()

	for i := 0; i < 2; i++ {
		_, err := svc.CreatePasswordResetToken(context.Background(), userID)
		require.NoError(t, err)
	}

	_, err := svc.CreatePasswordResetToken(context.Background(), userID)
	require.ErrorIs(t, err, tokensvc.ErrRateLimited)

	// The per-user key leaves other users unaffected.
	_, err = svc.CreatePasswordResetToken(context.Background(), gofakeit.UUID())
	require.NoError(t, err)
}

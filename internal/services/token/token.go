package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"authcore/internal/domain/models"
	"authcore/internal/lib/logger/sl"
	"authcore/internal/lib/secrethash"
	"authcore/internal/ratelimit"
	"authcore/internal/storage"
)

var (
	ErrNotFound    = errors.New("token not found")
	ErrExpired     = errors.New("token expired")
	ErrAlreadyUsed = errors.New("token already used")
	ErrRateLimited = errors.New("token issuance rate limited")
)

type Reason string

const (
	ReasonMalformed          Reason = "malformed"
	ReasonNotFound           Reason = "not_found"
	ReasonExpired            Reason = "expired"
	ReasonAlreadyUsed        Reason = "already_used"
	ReasonBackendUnavailable Reason = "backend_unavailable"
)

// Validation is the tri-state result of checking a raw token.
type Validation struct {
	Valid  bool
	UserID string
	Reason Reason
}

// Issued is returned once at creation; RawToken goes into the email link
// and is never persisted.
type Issued struct {
	RawToken  string
	ExpiresAt time.Time
}

type TokenSaver interface {
	SaveToken(ctx context.Context, token models.Token) error
	ConsumeToken(ctx context.Context, tokenHash string, kind models.TokenKind, now time.Time) error
}

type TokenProvider interface {
	TokenByHash(ctx context.Context, tokenHash string, kind models.TokenKind) (models.Token, error)
}

// IssueLimiter caps how often a single user can request new tokens. The
// rate limiter facade satisfies it.
type IssueLimiter interface {
	Increment(ctx context.Context, key string, window time.Duration, maxHits int) (ratelimit.Result, error)
}

type Tokens struct {
	log          *slog.Logger
	saver        TokenSaver
	provider     TokenProvider
	limiter      IssueLimiter
	resetTTL     time.Duration
	verifyTTL    time.Duration
	issueWindow  time.Duration
	issueMaxHits int
}

func New(
	log *slog.Logger,
	saver TokenSaver,
	provider TokenProvider,
	limiter IssueLimiter,
	resetTTL time.Duration,
	verifyTTL time.Duration,
	issueWindow time.Duration,
	issueMaxHits int,
) *Tokens {
	return &Tokens{
		log:          log,
		saver:        saver,
		provider:     provider,
		limiter:      limiter,
		resetTTL:     resetTTL,
		verifyTTL:    verifyTTL,
		issueWindow:  issueWindow,
		issueMaxHits: issueMaxHits,
	}
}

// CreatePasswordResetToken issues a fresh reset token for userID. Any
// prior unused reset token for the user is superseded in the same storage
// transaction.
func (t *Tokens) CreatePasswordResetToken(ctx context.Context, userID string) (Issued, error) {
	return t.create(ctx, userID, models.TokenPasswordReset, t.resetTTL)
}

// CreateEmailVerificationToken issues a fresh verification token for
// userID, superseding prior unused ones.
func (t *Tokens) CreateEmailVerificationToken(ctx context.Context, userID string) (Issued, error) {
	return t.create(ctx, userID, models.TokenEmailVerification, t.verifyTTL)
}

func (t *Tokens) create(ctx context.Context, userID string, kind models.TokenKind, ttl time.Duration) (Issued, error) {
	const op = "token.Tokens.create"

	log := t.log.With(
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("kind", string(kind)),
	)

	if t.limiter != nil && t.issueMaxHits > 0 {
		key := fmt.Sprintf("token-issue:%s:%s", kind, userID)

		_, err := t.limiter.Increment(ctx, key, t.issueWindow, t.issueMaxHits)

		var limitErr *ratelimit.LimitExceededError
		if errors.As(err, &limitErr) {
			log.Info("token issuance rate limited",
				slog.Duration("retry_after", limitErr.RetryAfter))
			return Issued{}, fmt.Errorf("%s: %w", op, ErrRateLimited)
		}
	}

	rawToken, err := secrethash.NewSecret(secrethash.DefaultSecretSize)
	if err != nil {
		log.Error("failed to generate token", sl.Err(err))
		return Issued{}, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()

	token := models.Token{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: secrethash.Hash(rawToken),
		Kind:      kind,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	if err := t.saver.SaveToken(ctx, token); err != nil {
		log.Error("failed to save token", sl.Err(err))
		return Issued{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("token issued", slog.Time("expires_at", token.ExpiresAt))

	return Issued{RawToken: rawToken, ExpiresAt: token.ExpiresAt}, nil
}

// Validate checks a raw token without consuming it. Storage faults fail
// closed.
func (t *Tokens) Validate(ctx context.Context, rawToken string, kind models.TokenKind) (Validation, error) {
	const op = "token.Tokens.Validate"

	log := t.log.With(slog.String("op", op), slog.String("kind", string(kind)))

	if rawToken == "" {
		return Validation{Valid: false, Reason: ReasonMalformed}, nil
	}

	token, err := t.provider.TokenByHash(ctx, secrethash.Hash(rawToken), kind)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return Validation{Valid: false, Reason: ReasonNotFound}, nil
		}

		log.Error("token lookup failed, failing closed", sl.Err(err))
		return Validation{Valid: false, Reason: ReasonBackendUnavailable}, fmt.Errorf("%s: %w", op, err)
	}

	if token.UsedAt != nil {
		return Validation{Valid: false, UserID: token.UserID, Reason: ReasonAlreadyUsed}, nil
	}

	if !token.ExpiresAt.After(time.Now().UTC()) {
		return Validation{Valid: false, UserID: token.UserID, Reason: ReasonExpired}, nil
	}

	return Validation{Valid: true, UserID: token.UserID}, nil
}

// Consume redeems a token exactly once. The underlying conditional update
// guarantees that of any number of concurrent calls for the same token,
// one succeeds and the rest get ErrAlreadyUsed.
func (t *Tokens) Consume(ctx context.Context, rawToken string, kind models.TokenKind) error {
	const op = "token.Tokens.Consume"

	log := t.log.With(slog.String("op", op), slog.String("kind", string(kind)))

	if rawToken == "" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	err := t.saver.ConsumeToken(ctx, secrethash.Hash(rawToken), kind, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenUsed):
			return fmt.Errorf("%s: %w", op, ErrAlreadyUsed)
		case errors.Is(err, storage.ErrTokenExpired):
			return fmt.Errorf("%s: %w", op, ErrExpired)
		case errors.Is(err, storage.ErrTokenNotFound):
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}

		log.Error("failed to consume token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("token consumed")

	return nil
}

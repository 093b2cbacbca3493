package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"authcore/internal/domain/models"
	"authcore/internal/lib/jwt"
	"authcore/internal/lib/logger/sl"
	"authcore/internal/lib/secrethash"
	"authcore/internal/storage"
)

var (
	ErrSessionLimit  = errors.New("concurrent session limit reached")
	ErrInvalidSecret = errors.New("invalid session secret")
)

// Reason explains a failed validation. Expected negative outcomes are
// reported here, not as errors, so callers make an explicit authorization
// decision instead of branching on exceptions.
type Reason string

const (
	ReasonMalformed          Reason = "malformed"
	ReasonNotFound           Reason = "not_found"
	ReasonExpired            Reason = "expired"
	ReasonRevoked            Reason = "revoked"
	ReasonBackendUnavailable Reason = "backend_unavailable"
)

// Validation is the tri-state result of checking a refresh secret.
type Validation struct {
	Valid   bool
	Reason  Reason
	Session models.Session
}

// Created is returned once per login or refresh; RefreshToken is the raw
// secret and is never persisted.
type Created struct {
	Session      models.Session
	RefreshToken string
	AccessToken  string
}

type SessionSaver interface {
	SaveSession(ctx context.Context, session models.Session, limit int, policy models.LimitPolicy) error
	RotateSession(ctx context.Context, oldHash string, replacement models.Session) (models.Session, error)
	MarkSessionInactive(ctx context.Context, id string, now time.Time) error
	MarkSessionsInactiveByUser(ctx context.Context, userID string, keepID string, now time.Time) (int64, error)
}

type SessionProvider interface {
	SessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error)
	ActiveSessionsByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error)
}

type Sessions struct {
	log          *slog.Logger
	saver        SessionSaver
	provider     SessionProvider
	accessSecret string
	accessTTL    time.Duration
	sessionTTL   time.Duration
	limit        int
	policy       models.LimitPolicy
}

func New(
	log *slog.Logger,
	saver SessionSaver,
	provider SessionProvider,
	accessSecret string,
	accessTTL time.Duration,
	sessionTTL time.Duration,
	limit int,
	policy models.LimitPolicy,
) *Sessions {
	return &Sessions{
		log:          log,
		saver:        saver,
		provider:     provider,
		accessSecret: accessSecret,
		accessTTL:    accessTTL,
		sessionTTL:   sessionTTL,
		limit:        limit,
		policy:       policy,
	}
}

// Create starts a new session for userID. The raw refresh secret is
// generated here, returned once and persisted only as a hash. The
// concurrent-session limit is enforced inside the storage transaction.
func (s *Sessions) Create(ctx context.Context, userID, tenantID string, meta models.Metadata) (Created, error) {
	const op = "session.Sessions.Create"

	log := s.log.With(
		slog.String("op", op),
		slog.String("user_id", userID),
	)

	rawSecret, err := secrethash.NewSecret(secrethash.DefaultSecretSize)
	if err != nil {
		log.Error("failed to generate refresh secret", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()

	session := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		TokenHash: secrethash.Hash(rawSecret),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		ExpiresAt: now.Add(s.sessionTTL),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.saver.SaveSession(ctx, session, s.limit, s.policy); err != nil {
		if errors.Is(err, storage.ErrSessionLimit) {
			log.Info("login rejected, session limit reached")
			return Created{}, fmt.Errorf("%s: %w", op, ErrSessionLimit)
		}

		log.Error("failed to save session", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := jwt.NewToken(userID, tenantID, session.ID, s.accessSecret, s.accessTTL)
	if err != nil {
		log.Error("failed to mint access token", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("session created", slog.String("session_id", session.ID))

	return Created{
		Session:      session,
		RefreshToken: rawSecret,
		AccessToken:  accessToken,
	}, nil
}

// Validate checks a refresh secret against storage. Finding an expired
// session marks it inactive as a side effect; that write is conditional
// and idempotent, so concurrent validations of the same dead secret all
// settle on the same answer. Storage faults fail closed: an unverifiable
// credential is never treated as valid.
func (s *Sessions) Validate(ctx context.Context, rawSecret string) (Validation, error) {
	const op = "session.Sessions.Validate"

	log := s.log.With(slog.String("op", op))

	if rawSecret == "" {
		return Validation{Valid: false, Reason: ReasonMalformed}, nil
	}

	session, err := s.provider.SessionByTokenHash(ctx, secrethash.Hash(rawSecret))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return Validation{Valid: false, Reason: ReasonNotFound}, nil
		}

		log.Error("session lookup failed, failing closed", sl.Err(err))
		return Validation{Valid: false, Reason: ReasonBackendUnavailable}, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()

	if !session.ExpiresAt.After(now) {
		// Lazy expiry: conditional update, zero affected rows when a
		// concurrent validation got there first.
		if session.IsActive {
			if err := s.saver.MarkSessionInactive(ctx, session.ID, now); err != nil {
				log.Warn("lazy expiry write failed", sl.Err(err))
			}
		}
		return Validation{Valid: false, Reason: ReasonExpired, Session: session}, nil
	}

	if !session.IsActive {
		return Validation{Valid: false, Reason: ReasonRevoked, Session: session}, nil
	}

	return Validation{Valid: true, Session: session}, nil
}

// Refresh rotates a session: the old row is revoked and a replacement
// inserted in one storage transaction, and fresh raw secrets are returned.
func (s *Sessions) Refresh(ctx context.Context, rawSecret string, meta models.Metadata) (Created, error) {
	const op = "session.Sessions.Refresh"

	log := s.log.With(slog.String("op", op))

	if rawSecret == "" {
		return Created{}, fmt.Errorf("%s: %w", op, ErrInvalidSecret)
	}

	newSecret, err := secrethash.NewSecret(secrethash.DefaultSecretSize)
	if err != nil {
		log.Error("failed to generate refresh secret", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()

	replacement := models.Session{
		ID:        uuid.NewString(),
		TokenHash: secrethash.Hash(newSecret),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		ExpiresAt: now.Add(s.sessionTTL),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	old, err := s.saver.RotateSession(ctx, secrethash.Hash(rawSecret), replacement)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			log.Info("refresh rejected, secret unknown or session no longer active")
			return Created{}, fmt.Errorf("%s: %w", op, ErrInvalidSecret)
		}

		log.Error("failed to rotate session", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	replacement.UserID = old.UserID
	replacement.TenantID = old.TenantID

	accessToken, err := jwt.NewToken(old.UserID, old.TenantID, replacement.ID, s.accessSecret, s.accessTTL)
	if err != nil {
		log.Error("failed to mint access token", sl.Err(err))
		return Created{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("session rotated",
		slog.String("old_session_id", old.ID),
		slog.String("session_id", replacement.ID))

	return Created{
		Session:      replacement,
		RefreshToken: newSecret,
		AccessToken:  accessToken,
	}, nil
}

// Invalidate revokes one session. Revoking an already-terminal session is
// a no-op, not an error.
func (s *Sessions) Invalidate(ctx context.Context, id string) error {
	const op = "session.Sessions.Invalidate"

	log := s.log.With(slog.String("op", op), slog.String("session_id", id))

	if err := s.saver.MarkSessionInactive(ctx, id, time.Now().UTC()); err != nil {
		log.Error("failed to revoke session", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("session revoked")

	return nil
}

// InvalidateAllByUser revokes every active session of a user (logout
// everywhere).
func (s *Sessions) InvalidateAllByUser(ctx context.Context, userID string) (int64, error) {
	const op = "session.Sessions.InvalidateAllByUser"

	log := s.log.With(slog.String("op", op), slog.String("user_id", userID))

	revoked, err := s.saver.MarkSessionsInactiveByUser(ctx, userID, "", time.Now().UTC())
	if err != nil {
		log.Error("failed to revoke sessions", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("sessions revoked", slog.Int64("count", revoked))

	return revoked, nil
}

// InvalidateOthers revokes every active session of a user except keepID
// (log out other devices).
func (s *Sessions) InvalidateOthers(ctx context.Context, userID, keepID string) (int64, error) {
	const op = "session.Sessions.InvalidateOthers"

	log := s.log.With(slog.String("op", op), slog.String("user_id", userID))

	revoked, err := s.saver.MarkSessionsInactiveByUser(ctx, userID, keepID, time.Now().UTC())
	if err != nil {
		log.Error("failed to revoke sessions", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("other sessions revoked", slog.Int64("count", revoked))

	return revoked, nil
}

// ActiveSessions lists sessions the user could still refresh from.
func (s *Sessions) ActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	const op = "session.Sessions.ActiveSessions"

	sessions, err := s.provider.ActiveSessionsByUser(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sessions, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/storage"
)

const sessionColumns = "id, user_id, tenant_id, token_hash, user_agent, ip_address, expires_at, is_active, created_at, updated_at"

// SaveSession inserts a new session and enforces the concurrent-session
// limit in the same transaction. With PolicyReject an over-limit login
// fails with storage.ErrSessionLimit; with PolicyEvict the oldest active
// sessions are deactivated first.
func (s *Storage) SaveSession(ctx context.Context, session models.Session, limit int, policy models.LimitPolicy) error {
	const op = "storage.sqlite.SaveSession"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	now := session.CreatedAt

	if limit > 0 {
		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sessions
			WHERE user_id = ? AND is_active = 1 AND expires_at > ?
		`, session.UserID, now).Scan(&active)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if active >= limit {
			if policy == models.PolicyReject {
				return fmt.Errorf("%s: %w", op, storage.ErrSessionLimit)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET is_active = 0, updated_at = ?
				WHERE id IN (
					SELECT id FROM sessions
					WHERE user_id = ? AND is_active = 1 AND expires_at > ?
					ORDER BY created_at ASC
					LIMIT ?
				)
			`, now, session.UserID, now, active-limit+1)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, tenant_id, token_hash, user_agent, ip_address, expires_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, session.ID, session.UserID, session.TenantID, session.TokenHash, session.UserAgent, session.IPAddress, session.ExpiresAt, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	const op = "storage.sqlite.SessionByTokenHash"

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?
	`, tokenHash)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

func (s *Storage) SessionByID(ctx context.Context, id string) (models.Session, error) {
	const op = "storage.sqlite.SessionByID"

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

// ActiveSessionsByUser lists the sessions a user could still refresh from,
// newest first.
func (s *Storage) ActiveSessionsByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	const op = "storage.sqlite.ActiveSessionsByUser"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND is_active = 1 AND expires_at > ?
		ORDER BY created_at DESC
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sessions, nil
}

// MarkSessionInactive is a conditional one-way transition. Zero affected
// rows means another caller already flipped the session; that is not an
// error, which is what makes lazy expiry safe under concurrent validation.
func (s *Storage) MarkSessionInactive(ctx context.Context, id string, now time.Time) error {
	const op = "storage.sqlite.MarkSessionInactive"

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, updated_at = ?
		WHERE id = ? AND is_active = 1
	`, now, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) MarkSessionsInactiveByUser(ctx context.Context, userID string, keepID string, now time.Time) (int64, error) {
	const op = "storage.sqlite.MarkSessionsInactiveByUser"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, updated_at = ?
		WHERE user_id = ? AND is_active = 1 AND id != ?
	`, now, userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return affected, nil
}

// RotateSession deactivates the session behind oldHash and inserts its
// replacement in one transaction. It returns the old session so the caller
// can carry the user over. A revoked or expired old session fails the
// rotation without inserting anything.
func (s *Storage) RotateSession(ctx context.Context, oldHash string, replacement models.Session) (models.Session, error) {
	const op = "storage.sqlite.RotateSession"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?
	`, oldHash)

	old, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	now := replacement.CreatedAt

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, updated_at = ?
		WHERE token_hash = ? AND is_active = 1 AND expires_at > ?
	`, now, oldHash, now)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	// The replacement inherits the identity of the row it supersedes.
	replacement.UserID = old.UserID
	replacement.TenantID = old.TenantID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, tenant_id, token_hash, user_agent, ip_address, expires_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, replacement.ID, replacement.UserID, replacement.TenantID, replacement.TokenHash, replacement.UserAgent, replacement.IPAddress, replacement.ExpiresAt, replacement.CreatedAt, replacement.UpdatedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return old, nil
}

// ExpireSessions flips every active session past its deadline. The sweeper
// calls this in bulk; validation does the same thing lazily one row at a
// time, so skipping a sweep is harmless.
func (s *Storage) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.sqlite.ExpireSessions"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at <= ?
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return affected, nil
}

// DeleteInactiveSessionsBefore purges sessions whose terminal state is
// older than cutoff, in batches so a large backlog cannot hold the write
// lock for long.
func (s *Storage) DeleteInactiveSessionsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	const op = "storage.sqlite.DeleteInactiveSessionsBefore"

	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			WHERE is_active = 0 AND updated_at < ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TenantID,
		&session.TokenHash,
		&session.UserAgent,
		&session.IPAddress,
		&session.ExpiresAt,
		&session.IsActive,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	return session, err
}

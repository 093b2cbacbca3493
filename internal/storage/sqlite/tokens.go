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

// SaveToken inserts a single-use token and, in the same transaction, marks
// every prior unused token of the same kind for that user as superseded.
// At most one unused, unexpired token per (user, kind) can exist.
func (s *Storage) SaveToken(ctx context.Context, token models.Token) error {
	const op = "storage.sqlite.SaveToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_tokens SET used_at = ?
		WHERE user_id = ? AND kind = ? AND used_at IS NULL
	`, token.CreatedAt, token.UserID, token.Kind)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, user_id, token_hash, kind, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`, token.ID, token.UserID, token.TokenHash, token.Kind, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) TokenByHash(ctx context.Context, tokenHash string, kind models.TokenKind) (models.Token, error) {
	const op = "storage.sqlite.TokenByHash"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, kind, expires_at, used_at, created_at
		FROM auth_tokens WHERE token_hash = ? AND kind = ?
	`, tokenHash, kind)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Token{}, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return models.Token{}, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// ConsumeToken sets used_at with a single conditional update. The affected
// row count is the source of truth: two racing consumers hit the same
// WHERE clause and exactly one update matches. On failure a follow-up read
// only classifies the reason.
func (s *Storage) ConsumeToken(ctx context.Context, tokenHash string, kind models.TokenKind, now time.Time) error {
	const op = "storage.sqlite.ConsumeToken"

	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens SET used_at = ?
		WHERE token_hash = ? AND kind = ? AND used_at IS NULL AND expires_at > ?
	`, now, tokenHash, kind, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 1 {
		return nil
	}

	token, err := s.TokenByHash(ctx, tokenHash, kind)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	if token.UsedAt != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenUsed)
	}

	return fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
}

// DeleteStaleTokens purges tokens that are used or expired and older than
// cutoff, in batches.
func (s *Storage) DeleteStaleTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	const op = "storage.sqlite.DeleteStaleTokens"

	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM auth_tokens WHERE id IN (
			SELECT id FROM auth_tokens
			WHERE COALESCE(used_at, expires_at) < ?
			ORDER BY created_at ASC
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

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var usedAt sql.NullTime

	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.Kind,
		&token.ExpiresAt,
		&usedAt,
		&token.CreatedAt,
	)
	if err != nil {
		return models.Token{}, err
	}

	if usedAt.Valid {
		t := usedAt.Time
		token.UsedAt = &t
	}

	return token, nil
}

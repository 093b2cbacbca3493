package models

import "time"

// TokenKind tags single-use tokens by the flow that issued them.
type TokenKind string

const (
	TokenPasswordReset     TokenKind = "password_reset"
	TokenEmailVerification TokenKind = "email_verification"
)

// Token is a single-use credential row. Only the hash of the raw value is
// ever persisted; the raw value is returned once at creation time.
type Token struct {
	ID        string
	UserID    string
	TokenHash string
	Kind      TokenKind
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

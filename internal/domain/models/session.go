package models

import "time"

type Session struct {
	ID        string
	UserID    string
	TenantID  string
	TokenHash string
	UserAgent string
	IPAddress string
	ExpiresAt time.Time
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Metadata carries the request attributes supplied by upstream middleware.
type Metadata struct {
	IPAddress string
	UserAgent string
}

// LimitPolicy selects what happens when a user is already at the
// concurrent-session limit and logs in again.
type LimitPolicy string

const (
	// PolicyEvict deactivates the oldest active session to make room.
	PolicyEvict LimitPolicy = "evict"
	// PolicyReject refuses the new login.
	PolicyReject LimitPolicy = "reject"
)

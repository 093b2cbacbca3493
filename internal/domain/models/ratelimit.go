package models

import "time"

// RateLimitCounter is the persisted fixed-window state for one key.
// Window times are unix milliseconds so backends can compare them
// without timezone or precision surprises.
type RateLimitCounter struct {
	Key         string
	Hits        int64
	WindowStart int64
	WindowMs    int64
	MaxHits     int64
	UpdatedAt   time.Time
}

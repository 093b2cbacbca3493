package storage

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionLimit    = errors.New("concurrent session limit reached")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenUsed       = errors.New("token already used")
	ErrTokenExpired    = errors.New("token expired")
)

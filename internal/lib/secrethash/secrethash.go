// Package secrethash hashes raw session and token secrets before they are
// persisted. The hash is deterministic (plain sha256) so that stored rows
// stay indexable by hash; slow salted schemes belong to passwords, which
// are handled elsewhere.
//
// Hashes carry a version prefix ("v1:") so the scheme can be rotated later
// without silently invalidating every outstanding session and token.
package secrethash

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// CurrentVersion is prepended to every newly produced hash.
	CurrentVersion = "v1"

	// DefaultSecretSize is 32 bytes, 256 bits of entropy.
	DefaultSecretSize = 32
)

// Hash returns the versioned one-way hash of a raw secret.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return CurrentVersion + ":" + hex.EncodeToString(sum[:])
}

// Verify reports whether raw hashes to stored. Hashes written before
// versioning was introduced have no prefix and are treated as v1.
func Verify(raw, stored string) bool {
	version := CurrentVersion
	digest := stored
	if idx := strings.IndexByte(stored, ':'); idx >= 0 {
		version = stored[:idx]
		digest = stored[idx+1:]
	}

	if version != CurrentVersion {
		return false
	}

	sum := sha256.Sum256([]byte(raw))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(digest)) == 1
}

// NewSecret generates a url-safe random secret of size bytes.
func NewSecret(size int) (string, error) {
	const op = "secrethash.NewSecret"

	if size <= 0 {
		size = DefaultSecretSize
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

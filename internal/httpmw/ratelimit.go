// Package httpmw holds the HTTP adapters the surrounding application
// mounts in front of its handlers. Only the rate limit gate lives here;
// routing and controllers belong to the collaborators.
package httpmw

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authcore/internal/ratelimit"
)

// KeyFunc derives the counter key for a request, e.g. client IP or the
// authenticated user id.
type KeyFunc func(r *http.Request) string

// RateLimit gates requests through the limiter before any business logic
// runs. Exhausted windows answer 429 with a Retry-After header; the
// limiter itself never fails the request on backend faults.
func RateLimit(log *slog.Logger, limiter *ratelimit.Limiter, scope string, window time.Duration, maxHits int, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + keyFn(r)

			_, err := limiter.Increment(r.Context(), key, window, maxHits)

			var limitErr *ratelimit.LimitExceededError
			if errors.As(err, &limitErr) {
				log.Debug("rate limit exceeded",
					slog.String("scope", scope), slog.String("key", key))

				retryAfter := int(math.Ceil(limitErr.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "too many requests",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the requester address, preferring the first
// X-Forwarded-For hop set by upstream middleware.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

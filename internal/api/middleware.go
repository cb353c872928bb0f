package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sessionbroker/sessionbroker/internal/ratelimit"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// Identity is the authenticated tenant handed down by the transport layer.
// The orchestrator never parses credentials; upstream auth verifies the
// token and forwards the resolved user and tier in headers.
type Identity struct {
	UserID string
	Tier   models.Tier
}

type contextKey string

const identityKey contextKey = "identity"

// IdentityFrom extracts the authenticated identity from a request context
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// IdentityMiddleware turns the X-User-ID / X-User-Tier headers into a
// request identity. Requests without a user are rejected.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}

		id := Identity{
			UserID: userID,
			Tier:   models.ParseTier(r.Header.Get("X-User-Tier")),
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware creates a middleware that enforces per-user rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(id.UserID) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded",
				})
				return
			}

			tokens := limiter.Tokens(id.UserID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

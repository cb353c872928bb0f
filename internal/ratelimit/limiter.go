package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles tenant API traffic with one token bucket per user.
// Buckets are created lazily on first request and share a common refill
// rate and burst size.
type Limiter struct {
	buckets map[string]*rate.Limiter
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
}

// NewLimiter builds a limiter refilling at requestsPerHour, with burst
// requests allowed to arrive back to back.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
	}
}

func (l *Limiter) bucketFor(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[userID] = bucket
	}
	return bucket
}

// Allow reports whether the user may make a request right now
func (l *Limiter) Allow(userID string) bool {
	return l.bucketFor(userID).Allow()
}

// Tokens returns how many requests the user has left before throttling
func (l *Limiter) Tokens(userID string) float64 {
	return l.bucketFor(userID).Tokens()
}

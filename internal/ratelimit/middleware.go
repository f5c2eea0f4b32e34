package ratelimit

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with per-key rate limiting.
type Middleware struct {
	limiter *Limiter
	enabled bool
	keyFn   KeyFunc
	logger  *log.Logger
	onHit   func()
}

// NewMiddleware creates a new rate limiting middleware. onHit, when non-nil,
// is invoked for every rejected request.
func NewMiddleware(limiter *Limiter, enabled bool, keyFn KeyFunc, logger *log.Logger, onHit func()) *Middleware {
	return &Middleware{
		limiter: limiter,
		enabled: enabled,
		keyFn:   keyFn,
		logger:  logger,
		onHit:   onHit,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFn(r)

		if !m.limiter.Allow(r.Context(), key) {
			m.addRateLimitHeaders(w, key)
			if m.logger != nil {
				m.logger.Printf("[WARN] rate limit exceeded key=%s path=%s", key, r.URL.Path)
			}
			if m.onHit != nil {
				m.onHit()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"rate limit exceeded, retry later"}}`))
			return
		}

		m.addRateLimitHeaders(w, key)
		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, key string) {
	if key == "" {
		return
	}
	limit := m.limiter.Capacity()
	remaining := m.limiter.GetRemaining(key)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	// Reset time: when the bucket will be full again.
	if remaining < limit {
		secondsNeeded := (limit - remaining) / m.limiter.RefillRate()
		resetTime := time.Now().Add(time.Duration(secondsNeeded * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}

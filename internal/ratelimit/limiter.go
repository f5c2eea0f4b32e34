package ratelimit

import (
	"context"
)

// Store defines the interface for rate limit storage backends.
// Implementations can be in-memory (for single instance) or distributed.
type Store interface {
	// Allow checks if a request for the key should be allowed.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Reset resets the rate limit for a key.
	Reset(ctx context.Context, key string) error

	// Remaining returns remaining tokens for a key.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)

	// Close releases resources.
	Close() error
}

// Limiter applies a per-bot burst limit using a pluggable storage backend.
// For single-instance deployments, use MemoryStore (default).
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// Per-bot limits
	RequestsPerSecond float64 // Sustained rate
	BurstSize         float64 // Burst capacity
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 40
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
	}
}

// Allow checks if a request for the given key should be allowed.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		// On error, allow the request (fail open)
		return true
	}
	return allowed
}

// GetRemaining returns the number of tokens remaining for the key.
func (l *Limiter) GetRemaining(key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(context.Background(), key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Capacity returns the configured burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate returns the configured sustained rate.
func (l *Limiter) RefillRate() float64 { return l.refillRate }

// Reset resets the rate limit for a specific key.
func (l *Limiter) Reset(key string) error {
	return l.store.Reset(context.Background(), key)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}

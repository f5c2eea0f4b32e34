package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket meters one key's request flow: a full bucket admits a burst of
// size tokens, then sustains rate tokens per second. Tokens are fractional
// because refill accrues continuously rather than in whole-token steps.
type TokenBucket struct {
	mu   sync.Mutex
	size float64 // burst ceiling
	rate float64 // tokens credited per second
	left float64
	last time.Time // when left was last brought current
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(size, rate float64) *TokenBucket {
	return &TokenBucket{size: size, rate: rate, left: size, last: time.Now()}
}

// Allow consumes one token if one is available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens at once, for callers metering uneven costs.
// Nothing is consumed when fewer than n tokens are available.
func (b *TokenBucket) AllowN(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrue()
	if b.left < n {
		return false
	}
	b.left -= n
	return true
}

// Remaining reports the tokens currently available.
func (b *TokenBucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrue()
	return b.left
}

// Reset restores the bucket to its burst ceiling.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = b.size
	b.last = time.Now()
}

// accrue credits tokens for the time elapsed since the previous call.
// Callers hold mu.
func (b *TokenBucket) accrue() {
	now := time.Now()
	b.left += now.Sub(b.last).Seconds() * b.rate
	if b.left > b.size {
		b.left = b.size
	}
	b.last = now
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements an in-memory rate limit store using token buckets.
// Suitable for single-instance deployments.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a new in-memory store with custom cleanup interval.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// Allow checks if a request for the key should be allowed.
func (s *MemoryStore) Allow(_ context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.getBucket(key, capacity, refillRate)
	allowed := bucket.Allow()
	remaining := bucket.Remaining()
	return allowed, remaining, nil
}

// Reset resets the rate limit for a key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists := s.buckets[key]; exists {
		bucket.Reset()
	}
	return nil
}

// Remaining returns remaining tokens for a key.
func (s *MemoryStore) Remaining(_ context.Context, key string, capacity, refillRate float64) (float64, error) {
	bucket := s.getBucket(key, capacity, refillRate)
	return bucket.Remaining(), nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

// getBucket gets or creates a token bucket for the key.
func (s *MemoryStore) getBucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.buckets[key]
	s.mu.RUnlock()

	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = s.buckets[key]; exists {
		return bucket
	}

	bucket = NewTokenBucket(capacity, refillRate)
	s.buckets[key] = bucket
	return bucket
}

// cleanupLoop periodically removes buckets that are full (inactive).
func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes inactive buckets to prevent memory leaks.
// The 95% threshold accounts for recent refills.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.size*0.95 {
			delete(s.buckets, key)
		}
	}
}

// StoreStats describes the current state of the store.
type StoreStats struct {
	ActiveBuckets int
}

// GetStats returns current statistics.
func (s *MemoryStore) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{ActiveBuckets: len(s.buckets)}
}

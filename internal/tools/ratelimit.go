package tools

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyLimiter enforces per-caller tool execution limits using token
// buckets, one per key.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyEntry
	r        rate.Limit
	burst    int
}

type keyEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyLimiter creates a limiter allowing perMin executions per minute
// per key with the given burst. Returns nil (no limiting) if perMin <= 0.
func NewKeyLimiter(perMin, burst int) *KeyLimiter {
	if perMin <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return &KeyLimiter{
		limiters: make(map[string]*keyEntry),
		r:        rate.Limit(float64(perMin) / 60.0),
		burst:    burst,
	}
}

// Allow checks if an execution is allowed for the given key.
// Returns nil if allowed, or an error describing the limit.
func (kl *KeyLimiter) Allow(key string) error {
	kl.mu.Lock()
	entry, ok := kl.limiters[key]
	if !ok {
		entry = &keyEntry{limiter: rate.NewLimiter(kl.r, kl.burst)}
		kl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	kl.mu.Unlock()

	if !entry.limiter.Allow() {
		return fmt.Errorf("tool rate limit exceeded for %s", key)
	}
	return nil
}

// Cleanup removes keys idle longer than the given age. Call
// periodically to bound memory growth.
func (kl *KeyLimiter) Cleanup(maxIdle time.Duration) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, entry := range kl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(kl.limiters, key)
		}
	}
}

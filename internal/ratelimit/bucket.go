// Package ratelimit enforces per-provider request and token throughput
// limits for the gateway's upstream model providers.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket refills continuously at refillPerMinute tokens per minute,
// capped at capacity. All operations refill first, then act, under one lock.
type TokenBucket struct {
	mu              sync.Mutex
	capacity        float64
	refillPerMinute float64
	tokens          float64
	lastRefill      time.Time

	now func() time.Time // test hook
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillPerMinute float64) *TokenBucket {
	return &TokenBucket{
		capacity:        capacity,
		refillPerMinute: refillPerMinute,
		tokens:          capacity,
		lastRefill:      time.Now(),
		now:             time.Now,
	}
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+b.refillPerMinute*elapsed.Minutes())
	b.lastRefill = now
}

// TryConsume refills, then debits n tokens if available. Atomic.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// TimeUntilAvailable returns how long until n tokens would be available at
// the current refill rate. Zero when the bucket already holds n tokens.
func (b *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	deficit := n - b.tokens
	if deficit <= 0 {
		return 0
	}
	if b.refillPerMinute <= 0 {
		return time.Duration(math.MaxInt64)
	}
	ms := math.Ceil(deficit * 60000 / b.refillPerMinute)
	return time.Duration(ms) * time.Millisecond
}

// AddTokens refunds n tokens, capped at capacity. Used when a downstream
// acquisition failed after this bucket was already debited.
func (b *TokenBucket) AddTokens(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.tokens = math.Min(b.capacity, b.tokens+n)
}

// Available reports the current token count after a refill. Diagnostic only.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

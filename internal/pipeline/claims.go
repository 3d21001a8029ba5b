// Package pipeline runs external actions (PR review posts) through a fixed
// phase order with content-hash markers and TTL claims, so concurrent
// gateway replicas never double-post.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claim states stored under the claim key.
const (
	claimInProgress = "in-progress"
	claimPosted     = "posted"
)

// ClaimStore is the CAS claim collaborator. Acquire must be atomic across
// replicas: exactly one caller wins a fresh key.
type ClaimStore interface {
	// Acquire CAS-creates an in-progress claim with a TTL. False means a
	// live claim already exists.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Finalize marks the claim posted and removes its TTL.
	Finalize(ctx context.Context, key string) error

	// State reports the current claim value; empty when absent or expired.
	State(ctx context.Context, key string) (string, error)
}

// RedisClaims backs claims with Redis SETNX semantics.
type RedisClaims struct {
	rdb redis.Cmdable
}

// NewRedisClaims wraps any go-redis client.
func NewRedisClaims(rdb redis.Cmdable) *RedisClaims {
	return &RedisClaims{rdb: rdb}
}

func (r *RedisClaims) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, claimInProgress, ttl).Result()
}

func (r *RedisClaims) Finalize(ctx context.Context, key string) error {
	// posted claims are permanent: no TTL
	return r.rdb.Set(ctx, key, claimPosted, 0).Err()
}

func (r *RedisClaims) State(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// MemClaims is the in-process fallback used when Redis is not configured.
// Safe for concurrent use within one process only.
type MemClaims struct {
	mu    sync.Mutex
	items map[string]memClaim

	now func() time.Time // test hook
}

type memClaim struct {
	state   string
	expires time.Time // zero = no expiry
}

// NewMemClaims builds an empty in-memory claim store.
func NewMemClaims() *MemClaims {
	return &MemClaims{items: make(map[string]memClaim), now: time.Now}
}

func (m *MemClaims) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.items[key]; ok {
		if c.expires.IsZero() || m.now().Before(c.expires) {
			return false, nil
		}
		// expired in-progress claim is available again
	}
	m.items[key] = memClaim{state: claimInProgress, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemClaims) Finalize(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memClaim{state: claimPosted}
	return nil
}

func (m *MemClaims) State(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[key]
	if !ok {
		return "", nil
	}
	if !c.expires.IsZero() && !m.now().Before(c.expires) {
		return "", nil
	}
	return c.state, nil
}

package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// ProviderLimits configures the dual buckets for one provider.
type ProviderLimits struct {
	RequestsPerMinute float64
	TokensPerMinute   float64
	QueueTimeout      time.Duration
}

// DefaultLimits applies to any provider without explicit configuration.
// Fails closed: an unknown provider is throttled, not unlimited.
var DefaultLimits = ProviderLimits{
	RequestsPerMinute: 60,
	TokensPerMinute:   100_000,
	QueueTimeout:      30 * time.Second,
}

// pollSlice bounds each sleep inside Acquire so cancellation and deadline
// checks happen at least every 100ms.
const pollSlice = 100 * time.Millisecond

type providerBuckets struct {
	rpm    *TokenBucket
	tpm    *TokenBucket
	limits ProviderLimits
}

// ProviderLimiter holds an RPM bucket (one token per request) and a TPM
// bucket (one token per estimated output token) per symbolic provider name.
//
// Acquire is called exactly once per logical request, not per retry; the
// router owns that contract.
type ProviderLimiter struct {
	mu        sync.RWMutex
	providers map[string]*providerBuckets
	limits    map[string]ProviderLimits
	logger    *log.Logger
}

// NewProviderLimiter creates a limiter with per-provider overrides. Any
// provider missing from limits uses DefaultLimits.
func NewProviderLimiter(limits map[string]ProviderLimits) *ProviderLimiter {
	if limits == nil {
		limits = map[string]ProviderLimits{}
	}
	return &ProviderLimiter{
		providers: make(map[string]*providerBuckets),
		limits:    limits,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

func (pl *ProviderLimiter) get(provider string) *providerBuckets {
	pl.mu.RLock()
	pb, ok := pl.providers[provider]
	pl.mu.RUnlock()
	if ok {
		return pb
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	// Double-check after acquiring write lock
	if pb, ok = pl.providers[provider]; ok {
		return pb
	}

	lim, ok := pl.limits[provider]
	if !ok {
		lim = DefaultLimits
	}
	if lim.QueueTimeout <= 0 {
		lim.QueueTimeout = DefaultLimits.QueueTimeout
	}
	pb = &providerBuckets{
		rpm:    NewTokenBucket(lim.RequestsPerMinute, lim.RequestsPerMinute),
		tpm:    NewTokenBucket(lim.TokensPerMinute, lim.TokensPerMinute),
		limits: lim,
	}
	pl.providers[provider] = pb
	return pb
}

// Acquire obtains one RPM token and estimatedTokens TPM tokens, blocking up
// to the provider's queue timeout across short sleeps. If TPM cannot be
// obtained before the deadline the RPM token is refunded and Acquire returns
// false. Context cancellation aborts the wait with the same refund.
func (pl *ProviderLimiter) Acquire(ctx context.Context, provider string, estimatedTokens int) bool {
	pb := pl.get(provider)
	deadline := time.Now().Add(pb.limits.QueueTimeout)

	if !pl.waitConsume(ctx, pb.rpm, 1, deadline) {
		acquireTimeouts.WithLabelValues(provider, "rpm").Inc()
		pl.logger.Printf("rpm acquire timed out: provider=%s", provider)
		return false
	}

	if !pl.waitConsume(ctx, pb.tpm, float64(estimatedTokens), deadline) {
		// Refund the RPM token already taken.
		pb.rpm.AddTokens(1)
		acquireRefunds.WithLabelValues(provider).Inc()
		acquireTimeouts.WithLabelValues(provider, "tpm").Inc()
		pl.logger.Printf("tpm acquire timed out: provider=%s tokens=%d", provider, estimatedTokens)
		return false
	}

	acquireTotal.WithLabelValues(provider).Inc()
	return true
}

// Release is a no-op hook kept for a future semaphore-style scheme.
func (pl *ProviderLimiter) Release(provider string) {}

func (pl *ProviderLimiter) waitConsume(ctx context.Context, b *TokenBucket, n float64, deadline time.Time) bool {
	for {
		if b.TryConsume(n) {
			return true
		}

		wait := b.TimeUntilAvailable(n)
		if wait > pollSlice {
			wait = pollSlice
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		now := time.Now()
		if now.Add(wait).After(deadline) {
			if !now.Before(deadline) {
				return false
			}
			wait = deadline.Sub(now)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

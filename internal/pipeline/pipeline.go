package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/hounfour/gateway/internal/redact"
)

// Item is one reviewable unit of work. Volatile fields (timestamps,
// reactions, assignees) deliberately do not exist here; the hash covers
// exactly what changes the review outcome.
type Item struct {
	Repo    string
	Number  int
	HeadSHA string
	Title   string
	Body    string
}

// StateHash hashes the canonical fields only. Two items with the same hash
// are the same work at the same state.
func (it Item) StateHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%s", it.Repo, it.Number, it.HeadSHA, it.Title, it.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// ClaimKey is identity + state hash: a new head SHA is new work.
func (it Item) ClaimKey() string {
	return fmt.Sprintf("gw:claim:%s:%d:%s", it.Repo, it.Number, it.StateHash()[:16])
}

// ItemSource resolves the pending work set.
type ItemSource interface {
	Resolve(ctx context.Context) ([]Item, error)
}

// Marker checks the downstream system for an existing processed marker at
// this state.
type Marker interface {
	IsProcessed(ctx context.Context, item Item, stateHash string) (bool, error)
}

// Poster publishes the sanitized output downstream.
type Poster interface {
	Post(ctx context.Context, item Item, output string) error
}

// InvokeFunc produces the review output for one item, normally via the
// router.
type InvokeFunc func(ctx context.Context, item Item) (string, error)

// Config tunes the pipeline.
type Config struct {
	ClaimTTL time.Duration // default 15m
}

// Report summarizes one run.
type Report struct {
	Resolved int
	Posted   int
	Skipped  int
	Failed   int
}

// Pipeline executes the fixed phase order for each resolved item.
type Pipeline struct {
	cfg    Config
	source ItemSource
	marker Marker
	claims ClaimStore
	invoke InvokeFunc
	poster Poster
	logger *log.Logger
}

// New wires a pipeline. A nil claim store falls back to in-memory claims.
func New(cfg Config, source ItemSource, marker Marker, claims ClaimStore, invoke InvokeFunc, poster Poster) *Pipeline {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	if claims == nil {
		claims = NewMemClaims()
	}
	return &Pipeline{
		cfg:    cfg,
		source: source,
		marker: marker,
		claims: claims,
		invoke: invoke,
		poster: poster,
		logger: log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Run resolves pending items and processes each through the phases. Item
// failures are counted, not fatal; a failed item's claim is left in
// progress to expire.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var rep Report

	items, err := p.source.Resolve(ctx)
	if err != nil {
		return rep, fmt.Errorf("pipeline: resolve: %w", err)
	}
	rep.Resolved = len(items)

	for _, item := range items {
		switch outcome := p.processOne(ctx, item); outcome {
		case outcomePosted:
			rep.Posted++
		case outcomeSkipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	return rep, nil
}

type outcome int

const (
	outcomePosted outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (p *Pipeline) processOne(ctx context.Context, item Item) outcome {
	stateHash := item.StateHash()

	// marker pre-check
	done, err := p.marker.IsProcessed(ctx, item, stateHash)
	if err != nil {
		p.logger.Printf("marker pre-check failed for %s#%d: %v", item.Repo, item.Number, err)
		metricPhases.WithLabelValues("marker_precheck", "error").Inc()
		return outcomeFailed
	}
	if done {
		metricPhases.WithLabelValues("marker_precheck", "skip").Inc()
		return outcomeSkipped
	}

	// claim
	key := item.ClaimKey()
	won, err := p.claims.Acquire(ctx, key, p.cfg.ClaimTTL)
	if err != nil {
		p.logger.Printf("claim acquire failed for %s: %v", key, err)
		metricPhases.WithLabelValues("claim", "error").Inc()
		return outcomeFailed
	}
	if !won {
		metricPhases.WithLabelValues("claim", "skip").Inc()
		return outcomeSkipped
	}

	// invoke; failure leaves the claim in progress to expire
	raw, err := p.invoke(ctx, item)
	if err != nil {
		p.logger.Printf("invoke failed for %s#%d, claim left to expire: %v", item.Repo, item.Number, err)
		metricPhases.WithLabelValues("invoke", "error").Inc()
		return outcomeFailed
	}

	// sanitize
	output := redact.String(raw)

	// marker re-check: a concurrent run may have posted while we worked
	done, err = p.marker.IsProcessed(ctx, item, stateHash)
	if err != nil {
		p.logger.Printf("marker re-check failed for %s#%d: %v", item.Repo, item.Number, err)
		metricPhases.WithLabelValues("marker_recheck", "error").Inc()
		return outcomeFailed
	}
	if done {
		metricPhases.WithLabelValues("marker_recheck", "skip").Inc()
		return outcomeSkipped
	}

	// post
	if err := p.poster.Post(ctx, item, output); err != nil {
		p.logger.Printf("post failed for %s#%d, claim left to expire: %v", item.Repo, item.Number, err)
		metricPhases.WithLabelValues("post", "error").Inc()
		return outcomeFailed
	}

	// finalize
	if err := p.claims.Finalize(ctx, key); err != nil {
		// posted but not finalized: the TTL expiry plus the marker
		// re-check still prevents a double post
		p.logger.Printf("finalize failed for %s: %v", key, err)
	}
	metricPhases.WithLabelValues("post", "ok").Inc()
	return outcomePosted
}

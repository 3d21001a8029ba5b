// Package chainwatch subscribes to on-chain transfer events and keeps the
// ownership cache honest: a transfer invalidates the touched entry, and the
// next read re-fetches from chain. The watcher never installs the new owner
// itself.
package chainwatch

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/events"
)

// TransferEvent is one ownership transfer observed on chain.
type TransferEvent struct {
	Collection string
	TokenID    string
	From       string
	To         string
}

// Unwatch tears down one subscription.
type Unwatch func()

// EventWatcherClient is the chain-node collaborator. Batches arrive on ev;
// subscription failures on errs.
type EventWatcherClient interface {
	WatchContractEvent(ctx context.Context, collection string, ev chan<- []TransferEvent, errs chan<- error) (Unwatch, error)
}

// OwnershipCache is invalidated on transfer. Installation of the new owner
// is the read path's job.
type OwnershipCache interface {
	Invalidate(collection, tokenID string)
}

// Config tunes the reconnect ladder.
type Config struct {
	Collection  string
	BaseBackoff time.Duration // default 1s
	MaxBackoff  time.Duration // default 1m
	MaxRetries  int           // default 10

	// OnTransfer, when set, is called for each event after invalidation.
	OnTransfer func(from, to, tokenID string)
}

func (c Config) withDefaults() Config {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	return c
}

// Watcher runs one subscription as a single worker goroutine. All timer and
// reconnect state lives inside that worker; Start and Stop only exchange
// signals with it.
type Watcher struct {
	cfg    Config
	client EventWatcherClient
	cache  OwnershipCache
	emit   events.Emitter
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a watcher. A nil emitter discards failure events.
func New(cfg Config, client EventWatcherClient, cache OwnershipCache, emit events.Emitter) *Watcher {
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Watcher{
		cfg:    cfg.withDefaults(),
		client: client,
		cache:  cache,
		emit:   emit,
		logger: log.New(log.Writer(), "[CHAINWATCH] ", log.LstdFlags),
	}
}

// Start launches the worker. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, w.stop, w.done)
}

// Stop signals the worker and waits for it, cancelling any pending
// reconnect timer. Calling Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
}

// markStopped flips the running flag when the worker exits on its own
// (retries exhausted), keeping Start idempotent afterwards.
func (w *Watcher) markStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ev := make(chan []TransferEvent, 16)
	errs := make(chan error, 1)

	var unwatch Unwatch
	retry := 0

	connect := func() bool {
		u, err := w.client.WatchContractEvent(ctx, w.cfg.Collection, ev, errs)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return false
		}
		unwatch = u
		retry = 0
		return true
	}
	connect()

	for {
		select {
		case <-stop:
			if unwatch != nil {
				unwatch()
			}
			return

		case <-ctx.Done():
			if unwatch != nil {
				unwatch()
			}
			w.markStopped()
			return

		case batch := <-ev:
			for _, t := range batch {
				w.cache.Invalidate(t.Collection, t.TokenID)
				metricInvalidations.Inc()
				if w.cfg.OnTransfer != nil {
					w.cfg.OnTransfer(t.From, t.To, t.TokenID)
				}
			}

		case err := <-errs:
			if unwatch != nil {
				unwatch()
				unwatch = nil
			}
			retry++
			if retry > w.cfg.MaxRetries {
				w.logger.Printf("giving up after %d reconnect attempts: %v", w.cfg.MaxRetries, err)
				w.emit.Emit(events.TypeWatcherFailed, "chainwatch", w.cfg.Collection, map[string]interface{}{
					"retries": w.cfg.MaxRetries,
					"error":   err.Error(),
				})
				w.markStopped()
				return
			}

			delay := w.backoff(retry)
			w.logger.Printf("subscription error (retry %d/%d in %s): %v", retry, w.cfg.MaxRetries, delay, err)
			metricReconnects.Inc()

			timer := time.NewTimer(delay)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				w.markStopped()
				return
			case <-timer.C:
			}
			connect()
		}
	}
}

// backoff is baseBackoff × 2^(retry-1) with ±25% jitter, capped.
func (w *Watcher) backoff(retry int) time.Duration {
	d := w.cfg.BaseBackoff << (retry - 1)
	if d > w.cfg.MaxBackoff || d <= 0 {
		d = w.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(d) * 0.25 * (rand.Float64()*2 - 1))
	return d + jitter
}

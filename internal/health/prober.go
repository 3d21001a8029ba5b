package health

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// ProbeTarget is one endpoint the active prober cycles over.
type ProbeTarget struct {
	Provider  string
	Model     string
	HealthURL string
}

// ProberConfig controls the active probe loop.
type ProberConfig struct {
	Interval     time.Duration // default 30s
	ProbeTimeout time.Duration // default 5s
}

// Prober periodically probes configured endpoints and feeds results into the
// tracker. An overlap guard prevents a second cycle from starting while the
// previous one is still in flight.
type Prober struct {
	tracker *Tracker
	targets []ProbeTarget
	cfg     ProberConfig
	client  *http.Client
	logger  *log.Logger

	mu       sync.Mutex
	inFlight bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates an active prober over the given targets.
func NewProber(tracker *Tracker, targets []ProbeTarget, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Prober{
		tracker: tracker,
		targets: targets,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  log.New(log.Writer(), "[PROBE] ", log.LstdFlags),
	}
}

// Start launches the probe loop. Idempotent.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx)
}

// Stop halts new probe cycles. An in-flight probe is allowed to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Prober) runCycle(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Printf("probe cycle skipped: previous cycle still in flight")
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	for _, tgt := range p.targets {
		if ctx.Err() != nil {
			return
		}
		p.probeOne(ctx, tgt)
	}
}

func (p *Prober) probeOne(ctx context.Context, tgt ProbeTarget) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	p.tracker.markProbed(tgt.Provider, tgt.Model)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, tgt.HealthURL, nil)
	if err != nil {
		p.logger.Printf("probe request build failed: %s: %v", tgt.HealthURL, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeout or network error counts as a health failure.
		p.tracker.RecordFailure(tgt.Provider, tgt.Model, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.tracker.RecordSuccess(tgt.Provider, tgt.Model)
	case resp.StatusCode >= 500:
		p.tracker.RecordFailure(tgt.Provider, tgt.Model, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    "health probe returned " + resp.Status,
		})
	default:
		// 3xx/4xx probe responses are configuration noise, not health.
	}
}

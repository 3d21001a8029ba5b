// Package health tracks upstream model endpoint health with per
// (provider, model) circuit breakers and an optional active prober.
// Routing consults the snapshot; it never blocks on a probe.
package health

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if endpoint recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var ErrCircuitOpen = errors.New("health: circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold trips CLOSED -> OPEN after this many consecutive failures.
	FailureThreshold int

	// Cooldown is the initial OPEN period before a HALF_OPEN probe.
	Cooldown time.Duration

	// MaxCooldown caps the exponential cooldown growth on repeated trips.
	MaxCooldown time.Duration

	// OnStateChange is called whenever a breaker changes state.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns the routing defaults: 5 consecutive failures, 30s
// cooldown doubling up to 5 minutes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// Counts holds per-endpoint success/failure counters.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalFailures        uint64
	TotalSuccesses       uint64
}

type breaker struct {
	state         State
	counts        Counts
	cooldown      time.Duration
	cooldownUntil time.Time
	lastProbeAt   time.Time
}

// Tracker manages circuit breakers keyed by "provider:model".
type Tracker struct {
	cfg    Config
	mu     sync.Mutex
	states map[string]*breaker
	logger *log.Logger

	now func() time.Time // test hook
}

// NewTracker creates a tracker with the given config; zero fields take the
// defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &Tracker{
		cfg:    cfg,
		states: make(map[string]*breaker),
		logger: log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Key builds the canonical breaker key.
func Key(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}

func (t *Tracker) get(key string) *breaker {
	b, ok := t.states[key]
	if !ok {
		b = &breaker{state: StateClosed, cooldown: t.cfg.Cooldown}
		t.states[key] = b
	}
	return b
}

// advanceLocked applies the time-based OPEN -> HALF_OPEN transition.
func (t *Tracker) advanceLocked(key string, b *breaker) {
	if b.state == StateOpen && !t.now().Before(b.cooldownUntil) {
		t.transitionLocked(key, b, StateHalfOpen)
	}
}

func (t *Tracker) transitionLocked(key string, b *breaker, to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	breakerState.WithLabelValues(key).Set(float64(to))
	t.logger.Printf("circuit %s: %s -> %s", key, from, to)
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(key, from, to)
	}
}

// RecordSuccess records a successful provider call.
func (t *Tracker) RecordSuccess(provider, model string) {
	key := Key(provider, model)
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.get(key)
	t.advanceLocked(key, b)

	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	b.counts.TotalSuccesses++

	if b.state == StateHalfOpen {
		// One success closes the circuit and resets the cooldown ladder.
		b.cooldown = t.cfg.Cooldown
		t.transitionLocked(key, b, StateClosed)
	}
}

// RecordFailure records a failed provider call. Only errors classified by
// IsHealthFailure should be reported here; 4xx caller errors are not a
// health signal.
func (t *Tracker) RecordFailure(provider, model string, err error) {
	key := Key(provider, model)
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.get(key)
	t.advanceLocked(key, b)

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	b.counts.TotalFailures++
	failureTotal.WithLabelValues(key).Inc()

	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= t.cfg.FailureThreshold {
			t.openLocked(key, b)
		}
	case StateHalfOpen:
		// Probe failed: back to OPEN with a longer cooldown.
		b.cooldown *= 2
		if b.cooldown > t.cfg.MaxCooldown {
			b.cooldown = t.cfg.MaxCooldown
		}
		t.openLocked(key, b)
	}
}

func (t *Tracker) openLocked(key string, b *breaker) {
	b.cooldownUntil = t.now().Add(b.cooldown)
	t.transitionLocked(key, b, StateOpen)
}

// IsHealthy reports whether the endpoint may receive traffic. HALF_OPEN
// endpoints are routable: the next real request doubles as the probe.
func (t *Tracker) IsHealthy(provider, model string) bool {
	return t.StateOf(provider, model) != StateOpen
}

// StateOf returns the current state after applying cooldown transitions.
func (t *Tracker) StateOf(provider, model string) State {
	key := Key(provider, model)
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.get(key)
	t.advanceLocked(key, b)
	return b.state
}

// EndpointStatus is one row of the health snapshot.
type EndpointStatus struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       uint64    `json:"total_failures"`
	TotalSuccesses      uint64    `json:"total_successes"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

// Snapshot returns the current status of every tracked endpoint.
func (t *Tracker) Snapshot() map[string]EndpointStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]EndpointStatus, len(t.states))
	for key, b := range t.states {
		t.advanceLocked(key, b)
		out[key] = EndpointStatus{
			Key:                 key,
			State:               b.state.String(),
			ConsecutiveFailures: b.counts.ConsecutiveFailures,
			TotalFailures:       b.counts.TotalFailures,
			TotalSuccesses:      b.counts.TotalSuccesses,
			CooldownUntil:       b.cooldownUntil,
			LastProbeAt:         b.lastProbeAt,
		}
	}
	return out
}

func (t *Tracker) markProbed(provider, model string) {
	key := Key(provider, model)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(key).lastProbeAt = t.now()
}

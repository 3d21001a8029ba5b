package guard

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/events"
	"github.com/hounfour/gateway/internal/wal"
)

// State is the guard lifecycle. Bypass is decided once at startup; nothing
// at runtime may flip a guard into bypassed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateBypassed      State = "bypassed"
)

// Outcome is one check verdict.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeError   Outcome = "error"
	OutcomeUnknown Outcome = "unknown"
)

func definitive(o Outcome) bool { return o == OutcomePass || o == OutcomeFail }

// InvariantResult is the full verdict for one runCheck call.
type InvariantResult struct {
	ID              string
	EvaluatorResult Outcome
	AdhocResult     Outcome
	Effective       Outcome
	Message         string
}

// AuditSink receives lifecycle audit entries; *wal.Log satisfies it.
type AuditSink interface {
	Append(entryType, phase, action, target string, params map[string]interface{}) (uint64, error)
}

// Config tunes the guard lifecycle.
type Config struct {
	Constraints []Constraint

	// Bypass is the startup-only bypass signal; read it from the
	// environment once, before constructing the guard.
	Bypass bool

	InitRetries      int           // default 3
	InitBackoff      time.Duration // default 1s, doubling per retry
	RecoveryInterval time.Duration // default 30s
	RecoveryCapMult  int           // default 10

	PodID    string
	BuildSHA string
}

func (c Config) withDefaults() Config {
	if len(c.Constraints) == 0 {
		c.Constraints = DefaultConstraints()
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 3
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.RecoveryCapMult <= 0 {
		c.RecoveryCapMult = 10
	}
	return c
}

// BypassFromEnv reads the startup bypass signal.
func BypassFromEnv() bool {
	v := os.Getenv("GATEWAY_BILLING_BYPASS")
	return v == "1" || v == "true"
}

// Guard is the billing conservation guard.
type Guard struct {
	mu         sync.RWMutex
	state      State
	evaluators map[string]Evaluator

	cfg    Config
	audit  AuditSink
	emit   events.Emitter
	logger *log.Logger

	compile func(string) (Evaluator, error) // test hook
	sleep   func(time.Duration)             // test hook

	recoveryStop chan struct{}
	recoveryDone chan struct{}
}

// New builds an uninitialized guard. Call Init before serving billable
// traffic. A nil audit sink degrades audit entries to stderr.
func New(cfg Config, audit AuditSink, emit events.Emitter) *Guard {
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Guard{
		state:   StateUninitialized,
		cfg:     cfg.withDefaults(),
		audit:   audit,
		emit:    emit,
		logger:  log.New(log.Writer(), "[GUARD] ", log.LstdFlags),
		compile: Compile,
		sleep:   time.Sleep,
	}
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// IsBillingReady gates billing-ingress routes: true iff the guard can vouch
// for invariants (ready) or the operator explicitly bypassed it.
func (g *Guard) IsBillingReady() bool {
	s := g.State()
	return s == StateReady || s == StateBypassed
}

// Init compiles the constraint set, retrying with doubling backoff. Each
// failed retry is audited to the WAL; on total failure the guard degrades,
// raises a critical alert, and starts the recovery timer.
func (g *Guard) Init() {
	if g.cfg.Bypass {
		g.setState(StateBypassed)
		g.writeAudit("evaluator_bypass", map[string]interface{}{
			"reason": "startup environment signal",
		})
		g.logger.Print("billing evaluator BYPASSED by startup signal; ad-hoc checks govern")
		return
	}

	backoff := g.cfg.InitBackoff
	for attempt := 0; attempt <= g.cfg.InitRetries; attempt++ {
		if attempt > 0 {
			g.sleep(backoff)
			backoff *= 2
		}
		evals, err := g.compileAll()
		if err == nil {
			g.mu.Lock()
			g.evaluators = evals
			g.state = StateReady
			g.mu.Unlock()
			metricState.Set(1)
			return
		}
		g.logger.Printf("constraint compile attempt %d/%d failed: %v", attempt+1, g.cfg.InitRetries+1, err)
		if attempt > 0 {
			g.writeAudit("evaluator_degraded", map[string]interface{}{
				"retry": attempt,
				"error": err.Error(),
			})
		}
	}

	g.setState(StateDegraded)
	if g.cfg.InitRetries == 0 {
		g.writeAudit("evaluator_degraded", map[string]interface{}{"attempts": 1})
	}
	g.emit.Emit(events.TypeGuardDegraded, "guard", "evaluator", map[string]interface{}{
		"attempts": g.cfg.InitRetries + 1,
	})
	g.emit.Emit(events.TypeCriticalAlert, "guard", "evaluator", map[string]interface{}{
		"message": "billing evaluator degraded, failing closed",
	})
	g.startRecovery()
}

func (g *Guard) compileAll() (map[string]Evaluator, error) {
	evals := make(map[string]Evaluator, len(g.cfg.Constraints))
	for _, c := range g.cfg.Constraints {
		ev, err := g.compile(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: %w", c.ID, err)
		}
		evals[c.ID] = ev
	}
	return evals, nil
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	switch s {
	case StateReady:
		metricState.Set(1)
	case StateBypassed:
		metricState.Set(2)
	case StateDegraded:
		metricState.Set(-1)
	default:
		metricState.Set(0)
	}
}

// startRecovery spawns the degraded-state retry loop: base interval with
// exponential doubling, ±25% jitter, capped at RecoveryCapMult × base.
func (g *Guard) startRecovery() {
	g.mu.Lock()
	if g.recoveryStop != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.recoveryStop = stop
	g.recoveryDone = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		interval := g.cfg.RecoveryInterval
		maxInterval := time.Duration(g.cfg.RecoveryCapMult) * g.cfg.RecoveryInterval
		for {
			jitter := time.Duration(float64(interval) * 0.25 * (rand.Float64()*2 - 1))
			timer := time.NewTimer(interval + jitter)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}

			evals, err := g.compileAll()
			if err != nil {
				g.logger.Printf("recovery attempt failed: %v", err)
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				continue
			}

			g.mu.Lock()
			g.evaluators = evals
			g.state = StateReady
			g.recoveryStop = nil
			g.mu.Unlock()
			metricState.Set(1)
			g.writeAudit("evaluator_recovery", nil)
			g.emit.Emit(events.TypeGuardRecovered, "guard", "evaluator", nil)
			return
		}
	}()
}

// Stop cancels any pending recovery loop.
func (g *Guard) Stop() {
	g.mu.Lock()
	stop := g.recoveryStop
	done := g.recoveryDone
	g.recoveryStop = nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// writeAudit appends a lifecycle entry to the WAL, degrading to stderr on
// any failure. It never panics.
func (g *Guard) writeAudit(action string, params map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "[GUARD] audit write panicked for %s: %v\n", action, r)
		}
	}()

	if params == nil {
		params = map[string]interface{}{}
	}
	params["pod_id"] = g.cfg.PodID
	params["build_sha"] = g.cfg.BuildSHA
	params["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	if g.audit == nil {
		fmt.Fprintf(os.Stderr, "[GUARD] audit (no sink) %s %v\n", action, params)
		return
	}
	if _, err := g.audit.Append(wal.TypeAudit, "lifecycle", action, "guard", params); err != nil {
		fmt.Fprintf(os.Stderr, "[GUARD] audit write failed for %s: %v\n", action, err)
	}
}

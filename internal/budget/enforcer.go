package budget

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hounfour/gateway/internal/events"
	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/wire"
)

// WriteFailurePolicy decides what a ledger write failure means for
// subsequent traffic.
type WriteFailurePolicy string

const (
	// FailOpen counts the cost in memory and keeps serving.
	FailOpen WriteFailurePolicy = "fail-open"

	// FailClosed blocks all requests until a ledger write succeeds again.
	FailClosed WriteFailurePolicy = "fail-closed"
)

// Mode selects what happens at the limit.
type Mode string

const (
	ModeBlock     Mode = "block"
	ModeDowngrade Mode = "downgrade"
)

// Decision is the outcome of a precheck.
type Decision struct {
	Allow     bool
	Warn      bool
	Downgrade bool
	// Key names the scope key that triggered a warn or block, if any.
	Key string
}

// Limits configures per-scope-key budgets.
type Limits struct {
	// PerKey maps aggregation keys ("project:x", "phase:x/y", ...) to
	// their spend ceilings. Keys without a limit are unmetered.
	PerKey map[string]wire.MicroUSD

	// WarnPercent is the warn threshold in percent of the limit.
	WarnPercent int
}

// Enforcer tracks spend per scope and gates requests against limits.
type Enforcer struct {
	mu     sync.Mutex
	ledger *Ledger
	limits Limits
	policy WriteFailurePolicy
	table  PricingTable
	emit   events.Emitter
	logger *log.Logger

	spent       map[string]wire.MicroUSD
	writeBroken bool
}

// NewEnforcer loads the ledger and builds the enforcer. A nil emitter
// discards budget events.
func NewEnforcer(ledger *Ledger, limits Limits, policy WriteFailurePolicy, table PricingTable, emit events.Emitter) (*Enforcer, error) {
	spent, err := ledger.Load()
	if err != nil {
		return nil, err
	}
	if limits.WarnPercent <= 0 {
		limits.WarnPercent = 80
	}
	if policy == "" {
		policy = FailOpen
	}
	if table == nil {
		table = DefaultTable()
	}
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Enforcer{
		ledger: ledger,
		limits: limits,
		policy: policy,
		table:  table,
		emit:   emit,
		logger: log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
		spent:  spent,
	}, nil
}

// Precheck gates a request before the provider call. At or past the limit
// the request blocks, unless mode is downgrade, in which case the caller is
// told to substitute a cheaper pool instead.
func (e *Enforcer) Precheck(scope Scope, mode Mode) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writeBroken && e.policy == FailClosed {
		metricBlocked.WithLabelValues("ledger_unavailable").Inc()
		return Decision{Allow: false, Key: "ledger"}
	}

	d := Decision{Allow: true}
	for _, key := range scope.Keys() {
		limit, ok := e.limits.PerKey[key]
		if !ok || limit.Int64() <= 0 {
			continue
		}
		spent := e.spent[key].Int64()

		if spent >= limit.Int64() {
			d.Key = key
			if mode == ModeDowngrade {
				d.Downgrade = true
				metricBlocked.WithLabelValues("downgraded").Inc()
				return d
			}
			d.Allow = false
			metricBlocked.WithLabelValues("blocked").Inc()
			e.emit.Emit(events.TypeBudgetExceeded, "budget", key, map[string]interface{}{
				"spent": e.spent[key].String(),
				"limit": limit.String(),
			})
			return d
		}

		// warn threshold: spent/limit >= warnPercent/100, integer math
		if spent*100 >= limit.Int64()*int64(e.limits.WarnPercent) {
			d.Warn = true
			d.Key = key
		}
	}
	if d.Warn {
		e.emit.Emit(events.TypeBudgetWarning, "budget", d.Key, map[string]interface{}{
			"spent": e.spent[d.Key].String(),
			"limit": e.limits.PerKey[d.Key].String(),
		})
	}
	return d
}

// Meta carries request provenance into the ledger.
type Meta struct {
	TraceID   string
	LatencyMS int64
}

// RecordCost prices the usage, appends it to the ledger, and folds it into
// the spend map. Write failures follow the configured policy: fail-open
// keeps the in-memory count and serves on; fail-closed flips the enforcer
// into blocking until a later write succeeds.
func (e *Enforcer) RecordCost(scope Scope, usage provider.Usage, providerName, model string, meta Meta) (CostBreakdown, error) {
	pricing := e.table.Find(providerName, model)
	bd, err := CalculateCost(usage, pricing)
	if err != nil {
		return bd, gwerr.Wrap(gwerr.KindInternal, gwerr.CodeBudgetExceeded, "cost computation failed", err)
	}

	traceID := meta.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	entry := Entry{
		TS:              time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:         traceID,
		Scope:           scope,
		Provider:        providerName,
		Model:           model,
		InputTokens:     usage.PromptTokens,
		OutputTokens:    usage.CompletionTokens,
		ReasoningTokens: usage.ReasoningTokens,
		LatencyMS:       meta.LatencyMS,
		InputCostMicro:  bd.Input.String(),
		OutputCostMicro: bd.Output.String(),
		TotalCostMicro:  bd.Total.String(),
		UsageSource:     "actual",
	}

	writeErr := e.ledger.Append(entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if writeErr != nil {
		e.logger.Printf("ledger write failed (%s policy): %v", e.policy, writeErr)
		metricWriteFailures.Inc()
		if e.policy == FailClosed {
			e.writeBroken = true
		}
	} else {
		e.writeBroken = false
	}

	// Spend counts regardless of write outcome; fail-open must still meter.
	for _, key := range scope.Keys() {
		sum, aerr := e.spent[key].Add(bd.Total)
		if aerr != nil {
			return bd, gwerr.Wrap(gwerr.KindInternal, gwerr.CodeBudgetExceeded, "spend overflow", aerr)
		}
		e.spent[key] = sum
		metricSpent.WithLabelValues(key).Add(float64(bd.Total.Int64()))
	}

	if writeErr == nil {
		if cerr := e.ledger.MaybeCheckpoint(e.spent); cerr != nil {
			e.logger.Printf("checkpoint failed: %v", cerr)
		}
	}
	return bd, nil
}

// Limit reports the configured ceiling for one aggregation key.
func (e *Enforcer) Limit(key string) (wire.MicroUSD, bool) {
	limit, ok := e.limits.PerKey[key]
	return limit, ok
}

// Spent reports the recorded spend for one aggregation key.
func (e *Enforcer) Spent(key string) wire.MicroUSD {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spent[key]
}

// Snapshot copies the spend map for the admin surface.
func (e *Enforcer) Snapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.spent))
	for k, v := range e.spent {
		out[k] = v.String()
	}
	return out
}

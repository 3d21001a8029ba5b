package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/guard"
	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/tenant"
	"github.com/hounfour/gateway/internal/wire"
)

// Invoker abstracts the provider HTTP client for testing.
type Invoker interface {
	Invoke(ctx context.Context, cfg provider.Config, req provider.Request, retry provider.RetryConfig) (*provider.CompletionResult, error)
}

// Options wires the router's collaborators and routing tables.
type Options struct {
	Registry *pool.Registry
	Tracker  *health.Tracker
	Limiter  *ratelimit.ProviderLimiter
	Budget   *budget.Enforcer
	Guard    *guard.Guard
	Invoker  Invoker

	Bindings map[string]Binding

	// Providers maps provider name to its upstream config.
	Providers map[string]provider.Config

	// Fallbacks maps "provider:model" of a primary to ordered fallback
	// pools tried when the primary is filtered out or fails.
	Fallbacks map[string][]wire.PoolID

	// DowngradeChain substitutes the candidate set when the budget says
	// downgrade.
	DowngradeChain []wire.PoolID

	// LocalRuntimes names providers running in-process or on-host; only
	// these may honor native_runtime requirements.
	LocalRuntimes map[string]bool

	Retry provider.RetryConfig
}

// Router resolves agents to pools and runs the invoke pipeline.
type Router struct {
	registry       *pool.Registry
	tracker        *health.Tracker
	limiter        *ratelimit.ProviderLimiter
	budget         *budget.Enforcer
	guard          *guard.Guard
	invoker        Invoker
	bindings       map[string]Binding
	providers      map[string]provider.Config
	fallbacks      map[string][]wire.PoolID
	downgradeChain []wire.PoolID
	localRuntimes  map[string]bool
	retry          provider.RetryConfig
	logger         *log.Logger
}

// New builds a router. Registry, Guard and Invoker are required; the other
// collaborators may be nil in narrow test setups.
func New(opts Options) *Router {
	bindings := opts.Bindings
	if bindings == nil {
		bindings = DefaultBindings()
	}
	retry := opts.Retry
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = provider.DefaultRetry()
	}
	return &Router{
		registry:       opts.Registry,
		tracker:        opts.Tracker,
		limiter:        opts.Limiter,
		budget:         opts.Budget,
		guard:          opts.Guard,
		invoker:        opts.Invoker,
		bindings:       bindings,
		providers:      opts.Providers,
		fallbacks:      opts.Fallbacks,
		downgradeChain: opts.DowngradeChain,
		localRuntimes:  opts.LocalRuntimes,
		retry:          retry,
		logger:         log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Request is one agent invocation.
type Request struct {
	Agent    string
	Messages []provider.Message
	Tools    []json.RawMessage
	Options  provider.Options
	Scope    budget.Scope
	Mode     budget.Mode
	TraceID  string
}

// Response is a successful invocation.
type Response struct {
	Pool       wire.PoolID
	Provider   string
	Model      string
	Completion *provider.CompletionResult
	Cost       budget.CostBreakdown
	Warned     bool
	Downgraded bool
}

// candidate is one routable (pool, model) pair.
type candidate struct {
	pool  wire.PoolID
	model pool.ResolvedModel
}

// Invoke runs the full pipeline for one agent request. Candidates never
// leave the tenant's authorized pool set regardless of fallback or
// downgrade configuration.
func (r *Router) Invoke(ctx context.Context, tc *tenant.Context, req Request) (*Response, error) {
	binding, ok := r.bindings[req.Agent]
	if !ok {
		return nil, gwerr.New(gwerr.KindInput, gwerr.CodeBindingInvalid,
			fmt.Sprintf("unknown agent %q", req.Agent))
	}

	primary, err := tenant.SelectAuthorizedPool(r.registry, tc, binding.Task)
	if err != nil {
		return nil, err
	}

	chain, err := r.buildChain(tc, binding, primary)
	if err != nil {
		return nil, err
	}

	resp := &Response{}

	// Budget precheck happens once, before the candidate walk; a downgrade
	// decision swaps in the configured downgrade chain.
	if r.budget != nil {
		d := r.budget.Precheck(req.Scope, req.Mode)
		resp.Warned = d.Warn
		if d.Downgrade {
			downgraded, derr := r.filterChain(tc, binding, r.downgradeChain)
			if derr == nil && len(downgraded) > 0 {
				chain = downgraded
				resp.Downgraded = true
				metricDowngrades.Inc()
			}
		} else if !d.Allow {
			return nil, gwerr.New(gwerr.KindPolicy, gwerr.CodeBudgetExceeded,
				"budget limit reached for "+d.Key).WithDetail("scope", d.Key)
		}
	}

	if gerr := r.guardPrecheck(req.Scope); gerr != nil {
		return nil, gerr
	}

	var lastErr error
	for _, cand := range chain {
		res, cost, err := r.invokeCandidate(ctx, cand, req)
		if err != nil {
			if gwerr.KindOf(err) == gwerr.KindTransient {
				lastErr = err
				continue
			}
			return nil, err
		}
		resp.Pool = cand.pool
		resp.Provider = cand.model.Provider
		resp.Model = cand.model.ModelID
		resp.Completion = res
		resp.Cost = cost
		metricInvokes.WithLabelValues(cand.pool.String(), "ok").Inc()
		return resp, nil
	}

	if lastErr != nil {
		return nil, gwerr.Wrap(gwerr.KindTransient, gwerr.CodeOf(lastErr),
			"all candidate pools exhausted", lastErr)
	}
	return nil, gwerr.New(gwerr.KindTransient, gwerr.CodeProviderUnavailable,
		"no healthy candidate pool")
}

// buildChain assembles and filters the candidate chain for a primary pool.
func (r *Router) buildChain(tc *tenant.Context, binding Binding, primary wire.PoolID) ([]candidate, error) {
	model, err := r.registry.Resolve(primary)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInput, gwerr.CodeUnknownPool, "primary pool vanished", err)
	}

	pools := append([]wire.PoolID{primary}, r.fallbacks[health.Key(model.Provider, model.ModelID)]...)
	chain, err := r.filterChain(tc, binding, pools)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		if binding.Required.NativeRuntimeRequired {
			return nil, gwerr.New(gwerr.KindPolicy, gwerr.CodeNativeRuntimeRequired,
				"no local runtime pool available for native_runtime requirement")
		}
		return nil, gwerr.New(gwerr.KindTransient, gwerr.CodeProviderUnavailable,
			"no candidate pool passes capability and health filters")
	}
	return chain, nil
}

// filterChain applies authorization, capability, native-runtime, and health
// filters in that order.
func (r *Router) filterChain(tc *tenant.Context, binding Binding, pools []wire.PoolID) ([]candidate, error) {
	seen := make(map[string]bool, len(pools))
	var out []candidate
	for _, pid := range pools {
		if pid.IsZero() || seen[pid.String()] {
			continue
		}
		seen[pid.String()] = true

		// tier boundary: fallbacks must not widen access
		if !authorized(tc, pid) {
			r.logger.Printf("dropping candidate %s: outside tenant's authorized set", pid)
			continue
		}

		model, err := r.registry.Resolve(pid)
		if err != nil {
			continue
		}
		if !model.Capabilities.Satisfies(binding.Required) {
			continue
		}
		if binding.Required.NativeRuntimeRequired && !r.localRuntimes[model.Provider] {
			continue
		}
		if r.tracker != nil && !r.tracker.IsHealthy(model.Provider, model.ModelID) {
			metricInvokes.WithLabelValues(pid.String(), "unhealthy").Inc()
			continue
		}
		out = append(out, candidate{pool: pid, model: model})
	}
	return out, nil
}

func authorized(tc *tenant.Context, pid wire.PoolID) bool {
	for _, p := range tc.ResolvedPools {
		if p == pid {
			return true
		}
	}
	return false
}

// invokeCandidate runs one candidate through rate limit, provider call,
// health recording, cost recording and the guard postcheck.
func (r *Router) invokeCandidate(ctx context.Context, cand candidate, req Request) (*provider.CompletionResult, budget.CostBreakdown, error) {
	var cost budget.CostBreakdown

	cfg, ok := r.providers[cand.model.Provider]
	if !ok {
		return nil, cost, gwerr.New(gwerr.KindTransient, gwerr.CodeProviderUnavailable,
			fmt.Sprintf("provider %q not configured", cand.model.Provider))
	}

	est := provider.EstimateMessageTokens(req.Messages)
	if r.limiter != nil && !r.limiter.Acquire(ctx, cand.model.Provider, est) {
		return nil, cost, gwerr.New(gwerr.KindTransient, gwerr.CodeRateLimited,
			"rate limit acquisition timed out for "+cand.model.Provider)
	}

	preq := provider.Request{
		Model:    cand.model.ModelID,
		Messages: req.Messages,
		Tools:    req.Tools,
		Options:  req.Options,
	}

	result, err := r.invoker.Invoke(ctx, cfg, preq, r.retry)
	if err != nil {
		// The rate token stays spent: the attempt reached the provider and
		// counts against the window whether or not it succeeded.
		if r.tracker != nil && health.IsHealthFailure(err) {
			r.tracker.RecordFailure(cand.model.Provider, cand.model.ModelID, err)
		}
		metricInvokes.WithLabelValues(cand.pool.String(), "error").Inc()
		return nil, cost, err
	}

	if r.tracker != nil {
		r.tracker.RecordSuccess(cand.model.Provider, cand.model.ModelID)
	}

	if r.budget != nil {
		cost, err = r.budget.RecordCost(req.Scope, result.Usage, cand.model.Provider, cand.model.ModelID, budget.Meta{
			TraceID:   req.TraceID,
			LatencyMS: int64(result.Metadata.LatencyMS),
		})
		if err != nil {
			return nil, cost, err
		}
	}

	if gerr := r.guardPostcheck(req.Scope, cost); gerr != nil {
		return nil, cost, gerr
	}
	return result, cost, nil
}

// guardPrecheck verifies the budget-limit invariant for every metered scope
// key before spending provider capacity.
func (r *Router) guardPrecheck(scope budget.Scope) error {
	if r.guard == nil || r.budget == nil {
		return nil
	}
	for _, key := range scope.Keys() {
		limit, ok := r.budget.Limit(key)
		if !ok {
			continue
		}
		ops := guard.Operands{"limit": limit.Int64(), "spent": r.budget.Spent(key).Int64()}
		adhoc := guard.OutcomePass
		if r.budget.Spent(key).Int64() > limit.Int64() {
			adhoc = guard.OutcomeFail
		}
		if res := r.guard.RunCheck("budget_limit", ops, adhoc); res.Effective == guard.OutcomeFail {
			return gwerr.New(gwerr.KindPolicy, gwerr.CodeBillingInvariantViolated,
				"budget invariant failed for "+key).WithDetail("invariant", res.ID)
		}
	}
	return nil
}

// guardPostcheck verifies the recorded cost is non-negative.
func (r *Router) guardPostcheck(scope budget.Scope, cost budget.CostBreakdown) error {
	if r.guard == nil {
		return nil
	}
	ops := guard.Operands{"cost": cost.Total.Int64()}
	adhoc := guard.OutcomePass
	if cost.Total.IsNegative() {
		adhoc = guard.OutcomeFail
	}
	if res := r.guard.RunCheck("cost_nonneg", ops, adhoc); res.Effective == guard.OutcomeFail {
		return gwerr.New(gwerr.KindPolicy, gwerr.CodeBillingInvariantViolated,
			"cost invariant failed").WithDetail("invariant", res.ID)
	}
	return nil
}

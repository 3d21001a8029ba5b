// Package pool holds the static pool registry and the tier bridge: which
// tenant tiers may reach which model pools, and which concrete
// provider+model each pool prefers. The tables are read-only after init;
// the only mutation is an explicit full-replace reload under a lock.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hounfour/gateway/internal/wire"
)

// Tier classifies a tenant.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// IsValidTier reports membership in the closed tier set.
func IsValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// The closed pool set.
var (
	PoolCheap     = wire.MustPoolID("cheap")
	PoolFastCode  = wire.MustPoolID("fast-code")
	PoolReviewer  = wire.MustPoolID("reviewer")
	PoolReasoning = wire.MustPoolID("reasoning")
	PoolArchitect = wire.MustPoolID("architect")
)

// TaskType names the kind of work a request performs.
type TaskType string

const (
	TaskChat   TaskType = "chat"
	TaskCode   TaskType = "code"
	TaskReview TaskType = "review"
	TaskReason TaskType = "reason"
	TaskDesign TaskType = "design"
)

// ThinkingMode describes a model's thinking-trace support.
type ThinkingMode string

const (
	ThinkingOff      ThinkingMode = "off"
	ThinkingOptional ThinkingMode = "optional"
	ThinkingRequired ThinkingMode = "required"
)

// Capabilities describes what a resolved model can do.
type Capabilities struct {
	ToolCalling           bool
	ThinkingTraces        ThinkingMode
	Vision                bool
	Streaming             bool
	NativeRuntimeRequired bool
}

// Satisfies reports whether these capabilities meet the requested set.
// A required thinking trace must not be served by optional or off.
func (c Capabilities) Satisfies(req Capabilities) bool {
	if req.ToolCalling && !c.ToolCalling {
		return false
	}
	if req.Vision && !c.Vision {
		return false
	}
	if req.Streaming && !c.Streaming {
		return false
	}
	if req.ThinkingTraces == ThinkingRequired && c.ThinkingTraces != ThinkingRequired {
		return false
	}
	return true
}

// ResolvedModel is the concrete target a pool maps to.
type ResolvedModel struct {
	Provider     string
	ModelID      string
	Capabilities Capabilities
}

// Entry binds a pool to its preferred model and the tiers permitted to use it.
type Entry struct {
	Pool      wire.PoolID
	Preferred ResolvedModel
}

var (
	ErrUnknownPool   = errors.New("pool: unknown pool id")
	ErrEmptyRegistry = errors.New("pool: registry has no entries")
)

// Registry is the loaded-once pool table plus the tier bridge.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	tierAccess map[Tier][]wire.PoolID
	taskChains map[TaskType][]wire.PoolID
}

// defaultTierAccess is the source of truth for tier -> pools. Order matters:
// it is the deterministic iteration order surfaced to tenants.
func defaultTierAccess() map[Tier][]wire.PoolID {
	return map[Tier][]wire.PoolID{
		TierFree:       {PoolCheap},
		TierPro:        {PoolCheap, PoolFastCode, PoolReviewer, PoolReasoning},
		TierEnterprise: {PoolCheap, PoolFastCode, PoolReviewer, PoolReasoning, PoolArchitect},
	}
}

// defaultTaskChains maps each task type to its pool preference chain. Every
// chain ends at cheap, the universal fallback.
func defaultTaskChains() map[TaskType][]wire.PoolID {
	return map[TaskType][]wire.PoolID{
		TaskChat:   {PoolCheap},
		TaskCode:   {PoolFastCode, PoolCheap},
		TaskReview: {PoolReviewer, PoolFastCode, PoolCheap},
		TaskReason: {PoolReasoning, PoolCheap},
		TaskDesign: {PoolArchitect, PoolReasoning, PoolCheap},
	}
}

// DefaultEntries returns the built-in pool table.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Pool: PoolCheap,
			Preferred: ResolvedModel{
				Provider: "qwen-local",
				ModelID:  "Qwen2.5-7B",
				Capabilities: Capabilities{
					ToolCalling: true, ThinkingTraces: ThinkingOff, Streaming: true,
				},
			},
		},
		{
			Pool: PoolFastCode,
			Preferred: ResolvedModel{
				Provider: "qwen-local",
				ModelID:  "Qwen2.5-Coder-7B",
				Capabilities: Capabilities{
					ToolCalling: true, ThinkingTraces: ThinkingOff, Streaming: true,
				},
			},
		},
		{
			Pool: PoolReviewer,
			Preferred: ResolvedModel{
				Provider: "openai",
				ModelID:  "gpt-4o",
				Capabilities: Capabilities{
					ToolCalling: true, ThinkingTraces: ThinkingOptional, Vision: true, Streaming: true,
				},
			},
		},
		{
			Pool: PoolReasoning,
			Preferred: ResolvedModel{
				Provider: "moonshot",
				ModelID:  "kimi-k2",
				Capabilities: Capabilities{
					ToolCalling: true, ThinkingTraces: ThinkingRequired, Streaming: true,
				},
			},
		},
		{
			Pool: PoolArchitect,
			Preferred: ResolvedModel{
				Provider: "anthropic",
				ModelID:  "claude-sonnet",
				Capabilities: Capabilities{
					ToolCalling: true, ThinkingTraces: ThinkingRequired, Vision: true, Streaming: true,
				},
			},
		},
	}
}

// NewRegistry builds a registry from entries; nil entries loads the defaults.
func NewRegistry(entries []Entry) (*Registry, error) {
	if entries == nil {
		entries = DefaultEntries()
	}
	r := &Registry{}
	if err := r.Reload(entries, defaultTierAccess(), defaultTaskChains()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the full table atomically. Partial updates are not
// supported; routing either sees the old table or the new one.
func (r *Registry) Reload(entries []Entry, tierAccess map[Tier][]wire.PoolID, taskChains map[TaskType][]wire.PoolID) error {
	if len(entries) == 0 {
		return ErrEmptyRegistry
	}
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Pool.IsZero() {
			return fmt.Errorf("pool: entry with empty pool id")
		}
		if e.Preferred.Provider == "" || e.Preferred.ModelID == "" {
			return fmt.Errorf("pool: entry %s missing preferred model", e.Pool)
		}
		m[e.Pool.String()] = e
	}
	for tier, pools := range tierAccess {
		for _, p := range pools {
			if _, ok := m[p.String()]; !ok {
				return fmt.Errorf("pool: tier %s references unknown pool %s", tier, p)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = m
	r.tierAccess = tierAccess
	r.taskChains = taskChains
	return nil
}

// IsValidPoolID reports membership in the closed pool set.
func (r *Registry) IsValidPoolID(s string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[s]
	return ok
}

// GetAccessiblePools returns the ordered pool list for a tier. The returned
// slice is a copy; callers may not mutate registry state.
func (r *Registry) GetAccessiblePools(tier Tier) []wire.PoolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pools := r.tierAccess[tier]
	out := make([]wire.PoolID, len(pools))
	copy(out, pools)
	return out
}

// AllowedPoolsForTier is the source of truth for authorization checks.
// Routing must never fall back outside this set.
func (r *Registry) AllowedPoolsForTier(tier Tier) []wire.PoolID {
	return r.GetAccessiblePools(tier)
}

// TierHasAccess reports whether the tier may use the pool.
func (r *Registry) TierHasAccess(tier Tier, pool wire.PoolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.tierAccess[tier] {
		if p == pool {
			return true
		}
	}
	return false
}

// ResolvePool picks a pool for (tier, taskType) honoring the tenant's
// model preferences when the tier allows them. Falls through the task's
// preference chain and finally to cheap.
func (r *Registry) ResolvePool(tier Tier, task TaskType, prefs map[TaskType]wire.PoolID) wire.PoolID {
	if p, ok := prefs[task]; ok && !p.IsZero() {
		if r.IsValidPoolID(p.String()) && r.TierHasAccess(tier, p) {
			return p
		}
	}

	r.mu.RLock()
	chain := r.taskChains[task]
	r.mu.RUnlock()

	for _, p := range chain {
		if r.TierHasAccess(tier, p) {
			return p
		}
	}
	return PoolCheap
}

// Resolve returns the preferred model for a pool.
func (r *Registry) Resolve(pool wire.PoolID) (ResolvedModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pool.String()]
	if !ok {
		return ResolvedModel{}, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return e.Preferred, nil
}

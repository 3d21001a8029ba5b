// Package router resolves agent invocations onto authorized pools and
// drives the full call pipeline: rate limit, budget, guard, provider call,
// health recording, cost recording.
package router

import (
	"fmt"
	"sort"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/pool"
)

// Binding declares one agent: the task type it routes as and the
// capabilities its pool must satisfy.
type Binding struct {
	Agent    string
	Task     pool.TaskType
	Required pool.Capabilities
}

// DefaultBindings covers the bundled agents.
func DefaultBindings() map[string]Binding {
	return map[string]Binding{
		"chat": {
			Agent: "chat",
			Task:  pool.TaskChat,
		},
		"coder": {
			Agent:    "coder",
			Task:     pool.TaskCode,
			Required: pool.Capabilities{ToolCalling: true},
		},
		"reviewer": {
			Agent:    "reviewer",
			Task:     pool.TaskReview,
			Required: pool.Capabilities{ToolCalling: true},
		},
		"architect": {
			Agent:    "architect",
			Task:     pool.TaskReason,
			Required: pool.Capabilities{ThinkingTraces: pool.ThinkingRequired},
		},
	}
}

// validationTier is the tier bindings are validated against at boot.
// Pro is the widest self-serve tier; enterprise-only pools are validated by
// their own config checks.
const validationTier = pool.TierPro

// ValidateBindings checks at boot that every agent binding can resolve to
// at least one capability-satisfying pool under the validation tier.
func (r *Router) ValidateBindings() error {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := r.bindings[name]
		accessible := r.registry.AllowedPoolsForTier(validationTier)
		found := false
		for _, pid := range accessible {
			resolved, err := r.registry.Resolve(pid)
			if err != nil {
				continue
			}
			if resolved.Capabilities.Satisfies(b.Required) {
				found = true
				break
			}
		}
		if !found {
			return gwerr.New(gwerr.KindInput, gwerr.CodeBindingInvalid,
				fmt.Sprintf("agent %q has no resolvable pool under tier %s", name, validationTier))
		}
	}
	return nil
}

package tenant

import (
	"sort"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/wire"
)

// SelectAuthorizedPool is the sole entry point for pool selection on every
// execution path (HTTP, WS, background). It fails closed: an empty resolved
// set, a JWT binding mismatch, or a selection outside the tier's allowance
// is a denial, never a silent fallback.
func SelectAuthorizedPool(reg *pool.Registry, tc *Context, task pool.TaskType) (wire.PoolID, error) {
	if len(tc.ResolvedPools) == 0 {
		return wire.PoolID{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
			"no pools resolved for tenant")
	}

	// A preference that names a pool the tier cannot reach is an explicit
	// escalation attempt and is denied, not downgraded.
	if prefStr, ok := tc.Claims.ModelPreferences[task]; ok && prefStr != "" {
		if reg.IsValidPoolID(prefStr) {
			pref := wire.MustPoolID(prefStr)
			if !reg.TierHasAccess(tc.Claims.Tier, pref) {
				return wire.PoolID{}, gwerr.New(gwerr.KindPolicy, gwerr.CodeTierUnauthorized,
					"preferred pool is outside the tenant tier").
					WithDetail("tier", string(tc.Claims.Tier)).
					WithDetail("task", string(task))
			}
		}
	}

	selected := reg.ResolvePool(tc.Claims.Tier, task, tc.Claims.preferences())
	if selected.IsZero() || !reg.IsValidPoolID(selected.String()) {
		return wire.PoolID{}, gwerr.New(gwerr.KindInternal, gwerr.CodePoolAccessDenied,
			"pool resolution produced an invalid pool")
	}

	// JWT binding: claims that bound the request to one pool pin selection.
	if !tc.RequestedPool.IsZero() && tc.RequestedPool != selected {
		return wire.PoolID{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
			"selected pool differs from JWT-bound pool")
	}

	// Defense in depth: the selection must be inside the resolved set even
	// though ResolvePool should already guarantee it.
	if !containsPool(tc.ResolvedPools, selected) {
		return wire.PoolID{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
			"selected pool is outside the resolved set")
	}

	return selected, nil
}

// SelectAffinityRankedPools intersects the tier-allowed pools with the
// resolved set and orders them by affinity descending, ties broken by pool
// id ascending so the order is deterministic. An empty result is returned
// as-is; the caller MUST fail rather than escalate.
func SelectAffinityRankedPools(reg *pool.Registry, tc *Context, affinity map[string]float64) []wire.PoolID {
	allowed := reg.AllowedPoolsForTier(tc.Claims.Tier)
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		allowedSet[p.String()] = struct{}{}
	}

	var out []wire.PoolID
	for _, p := range tc.ResolvedPools {
		if _, ok := allowedSet[p.String()]; ok {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := affinity[out[i].String()], affinity[out[j].String()]
		if ai != aj {
			return ai > aj
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func containsPool(pools []wire.PoolID, p wire.PoolID) bool {
	for _, q := range pools {
		if q == p {
			return true
		}
	}
	return false
}

package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"strings"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/wire"
)

// MismatchKind classifies an allowed_pools discrepancy against the tier's
// derived set. Detection priority: invalid_entry > superset > subset.
type MismatchKind string

const (
	MismatchNone         MismatchKind = ""
	MismatchInvalidEntry MismatchKind = "invalid_entry"
	MismatchSuperset     MismatchKind = "superset"
	MismatchSubset       MismatchKind = "subset"
)

// EnforceConfig controls mismatch handling.
type EnforceConfig struct {
	// Strict escalates a superset mismatch to POOL_ACCESS_DENIED instead of
	// logging it as a confused-deputy warning.
	Strict bool
}

// EnforcementResult is the outcome of EnforcePoolClaims.
type EnforcementResult struct {
	ResolvedPools []wire.PoolID
	RequestedPool wire.PoolID
	Mismatch      MismatchKind
}

var enforceLog = log.New(log.Writer(), "[POOL-ENFORCE] ", log.LstdFlags)

// poolSetHash returns a SHA-256 prefix over the sorted pool list so claim
// contents can be correlated in logs without leaking the raw pools.
func poolSetHash(pools []string) string {
	sorted := append([]string(nil), pools...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:12]
}

// EnforcePoolClaims derives the tier's pool set and validates the claim's
// pool bindings against it. Pure: no I/O beyond logging.
func EnforcePoolClaims(reg *pool.Registry, claims Claims, cfg EnforceConfig) (EnforcementResult, error) {
	resolved := reg.GetAccessiblePools(claims.Tier)
	if len(resolved) == 0 {
		// A tier with no pools is an invariant violation, not a user error.
		return EnforcementResult{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
			"tier resolves to no pools").WithDetail("tier", string(claims.Tier))
	}

	result := EnforcementResult{ResolvedPools: resolved}

	if claims.PoolID != "" {
		if !reg.IsValidPoolID(claims.PoolID) {
			return EnforcementResult{}, gwerr.New(gwerr.KindInput, gwerr.CodeUnknownPool,
				"claims bind to an unknown pool")
		}
		requested := wire.MustPoolID(claims.PoolID)
		if !reg.TierHasAccess(claims.Tier, requested) {
			return EnforcementResult{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
				"claims bind to a pool outside the tier").WithDetail("tier", string(claims.Tier))
		}
		result.RequestedPool = requested
	}

	if len(claims.AllowedPools) > 0 {
		result.Mismatch = detectMismatch(reg, claims.AllowedPools, resolved)
		if result.Mismatch != MismatchNone {
			logMismatch(result.Mismatch, claims, resolved)
		}
		if cfg.Strict && result.Mismatch == MismatchSuperset {
			return EnforcementResult{}, gwerr.New(gwerr.KindPolicy, gwerr.CodePoolAccessDenied,
				"claimed pools exceed tier allowance")
		}
	}

	return result, nil
}

// detectMismatch compares the claimed pool list with the derived set.
// Duplicates in the claim are deduplicated before the cardinality check.
func detectMismatch(reg *pool.Registry, claimed []string, resolved []wire.PoolID) MismatchKind {
	resolvedSet := make(map[string]struct{}, len(resolved))
	for _, p := range resolved {
		resolvedSet[p.String()] = struct{}{}
	}

	distinct := make(map[string]struct{}, len(claimed))
	superset := false
	for _, c := range claimed {
		if !reg.IsValidPoolID(c) {
			return MismatchInvalidEntry
		}
		distinct[c] = struct{}{}
		if _, ok := resolvedSet[c]; !ok {
			superset = true
		}
	}
	if superset {
		return MismatchSuperset
	}
	if len(distinct) < len(resolved) {
		return MismatchSubset
	}
	return MismatchNone
}

// logMismatch emits the graduated-severity log line. Only hashes of the
// sorted lists appear; raw pool names never reach production logs.
func logMismatch(kind MismatchKind, claims Claims, resolved []wire.PoolID) {
	derived := make([]string, len(resolved))
	for i, p := range resolved {
		derived[i] = p.String()
	}
	claimedHash := poolSetHash(claims.AllowedPools)
	derivedHash := poolSetHash(derived)

	switch kind {
	case MismatchInvalidEntry:
		enforceLog.Printf("ERROR pool claim mismatch kind=%s tenant=%s claimed_hash=%s derived_hash=%s",
			kind, claims.TenantID, claimedHash, derivedHash)
	case MismatchSuperset:
		enforceLog.Printf("WARN pool claim mismatch kind=%s tenant=%s claimed_hash=%s derived_hash=%s",
			kind, claims.TenantID, claimedHash, derivedHash)
	case MismatchSubset:
		enforceLog.Printf("INFO pool claim mismatch kind=%s tenant=%s claimed_hash=%s derived_hash=%s",
			kind, claims.TenantID, claimedHash, derivedHash)
	}
}

// NewContext runs enforcement and freezes the immutable per-request context.
func NewContext(reg *pool.Registry, claims Claims, cfg EnforceConfig) (*Context, error) {
	res, err := EnforcePoolClaims(reg, claims, cfg)
	if err != nil {
		return nil, err
	}
	return &Context{
		Claims:        claims,
		ResolvedPools: res.ResolvedPools,
		RequestedPool: res.RequestedPool,
		IsNFTRouted:   claims.NFTID != "" && len(claims.ModelPreferences) > 0,
		IsBYOK:        claims.BYOK,
	}, nil
}

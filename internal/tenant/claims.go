// Package tenant derives and enforces per-request tenant authorization:
// which model pools a tenant's tier permits, how signed claims bind the
// request to a pool, and how claim/tier mismatches are detected and logged.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/wire"
)

// Claims are the verified JWT claims a request arrives with. The verifier
// itself is an external collaborator; this package trusts the signature was
// already checked and only enforces pool semantics.
type Claims struct {
	jwt.RegisteredClaims

	TenantID         string                   `json:"tenant_id"`
	Tier             pool.Tier                `json:"tier"`
	NFTID            string                   `json:"nft_id,omitempty"`
	PoolID           string                   `json:"pool_id,omitempty"`
	AllowedPools     []string                 `json:"allowed_pools,omitempty"`
	ModelPreferences map[pool.TaskType]string `json:"model_preferences,omitempty"`
	BYOK             bool                     `json:"byok,omitempty"`
	ReqHash          string                   `json:"req_hash,omitempty"`
}

// Context is the immutable per-request tenant context, created at
// authentication and carried for the lifetime of one request.
type Context struct {
	Claims        Claims
	ResolvedPools []wire.PoolID // ordered, derived from tier
	RequestedPool wire.PoolID   // zero when claims carried no pool_id
	IsNFTRouted   bool
	IsBYOK        bool
}

// preferences converts the string-typed claim map into branded pool ids.
// Invalid entries are dropped here; EnforcePoolClaims reports them.
func (c Claims) preferences() map[pool.TaskType]wire.PoolID {
	if len(c.ModelPreferences) == 0 {
		return nil
	}
	out := make(map[pool.TaskType]wire.PoolID, len(c.ModelPreferences))
	for task, p := range c.ModelPreferences {
		if id, err := wire.NewPoolID(p); err == nil {
			out[task] = id
		}
	}
	return out
}

// Validate performs structural claim checks independent of pool semantics.
func (c Claims) Validate(now time.Time) error {
	if c.TenantID == "" {
		return errors.New("tenant: missing tenant_id claim")
	}
	if !pool.IsValidTier(c.Tier) {
		return fmt.Errorf("tenant: unknown tier %q", c.Tier)
	}
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time) {
		return errors.New("tenant: claims expired")
	}
	return nil
}

type contextKey string

const tenantCtxKey contextKey = "gateway_tenant_ctx"

// WithContext attaches the tenant context to a request context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tc)
}

// FromContext extracts the tenant context.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(tenantCtxKey).(*Context)
	if !ok || tc == nil {
		return nil, errors.New("tenant: context missing")
	}
	return tc, nil
}

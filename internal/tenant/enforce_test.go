package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/pool"
)

func testRegistry(t *testing.T) *pool.Registry {
	r, err := pool.NewRegistry(nil)
	require.NoError(t, err)
	return r
}

func proClaims() Claims {
	return Claims{TenantID: "tenant-1", Tier: pool.TierPro}
}

func TestEnforceHappyPath(t *testing.T) {
	reg := testRegistry(t)
	res, err := EnforcePoolClaims(reg, proClaims(), EnforceConfig{})
	require.NoError(t, err)
	assert.Len(t, res.ResolvedPools, 4)
	assert.True(t, res.RequestedPool.IsZero())
	assert.Equal(t, MismatchNone, res.Mismatch)
}

func TestEnforceRequestedPool(t *testing.T) {
	reg := testRegistry(t)

	c := proClaims()
	c.PoolID = "reviewer"
	res, err := EnforcePoolClaims(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", res.RequestedPool.String())

	c.PoolID = "not-a-pool"
	_, err = EnforcePoolClaims(reg, c, EnforceConfig{})
	assert.Equal(t, gwerr.CodeUnknownPool, gwerr.CodeOf(err))

	c.PoolID = "architect" // pro tier lacks architect
	_, err = EnforcePoolClaims(reg, c, EnforceConfig{})
	assert.Equal(t, gwerr.CodePoolAccessDenied, gwerr.CodeOf(err))
}

func TestMismatchPriority(t *testing.T) {
	reg := testRegistry(t)

	// invalid_entry wins over everything else
	c := proClaims()
	c.AllowedPools = []string{"cheap", "bogus", "architect"}
	res, err := EnforcePoolClaims(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.Equal(t, MismatchInvalidEntry, res.Mismatch)

	// superset: a valid pool outside the tier
	c.AllowedPools = []string{"cheap", "architect"}
	res, err = EnforcePoolClaims(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.Equal(t, MismatchSuperset, res.Mismatch)

	// subset: fewer distinct pools than the tier resolves
	c.AllowedPools = []string{"cheap", "fast-code"}
	res, err = EnforcePoolClaims(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.Equal(t, MismatchSubset, res.Mismatch)

	// duplicates dedupe before the cardinality check
	c.AllowedPools = []string{"cheap", "cheap", "fast-code", "reviewer", "reasoning"}
	res, err = EnforcePoolClaims(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.Equal(t, MismatchNone, res.Mismatch)
}

func TestStrictModeEscalatesSuperset(t *testing.T) {
	reg := testRegistry(t)
	c := proClaims()
	c.AllowedPools = []string{"cheap", "architect"}

	_, err := EnforcePoolClaims(reg, c, EnforceConfig{Strict: true})
	assert.Equal(t, gwerr.CodePoolAccessDenied, gwerr.CodeOf(err))
}

func TestSelectAuthorizedPoolHappyPath(t *testing.T) {
	reg := testRegistry(t)
	c := proClaims()
	c.NFTID = "nft-7"
	c.ModelPreferences = map[pool.TaskType]string{pool.TaskChat: "cheap"}

	tc, err := NewContext(reg, c, EnforceConfig{})
	require.NoError(t, err)
	assert.True(t, tc.IsNFTRouted)

	p, err := SelectAuthorizedPool(reg, tc, pool.TaskChat)
	require.NoError(t, err)
	assert.Equal(t, "cheap", p.String())
}

func TestSelectAuthorizedPoolTierEscalationDenied(t *testing.T) {
	reg := testRegistry(t)
	c := Claims{TenantID: "tenant-2", Tier: pool.TierFree,
		ModelPreferences: map[pool.TaskType]string{pool.TaskCode: "fast-code"}}

	tc, err := NewContext(reg, c, EnforceConfig{})
	require.NoError(t, err)

	_, err = SelectAuthorizedPool(reg, tc, pool.TaskCode)
	assert.Equal(t, gwerr.CodeTierUnauthorized, gwerr.CodeOf(err))
}

func TestSelectAuthorizedPoolJWTBinding(t *testing.T) {
	reg := testRegistry(t)
	c := proClaims()
	c.PoolID = "reviewer"
	c.ModelPreferences = map[pool.TaskType]string{pool.TaskChat: "cheap"}

	tc, err := NewContext(reg, c, EnforceConfig{})
	require.NoError(t, err)

	// Selection resolves chat -> cheap but the JWT binds to reviewer.
	_, err = SelectAuthorizedPool(reg, tc, pool.TaskChat)
	assert.Equal(t, gwerr.CodePoolAccessDenied, gwerr.CodeOf(err))

	// The bound pool itself is fine for review work.
	p, err := SelectAuthorizedPool(reg, tc, pool.TaskReview)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", p.String())
}

func TestSelectAuthorizedPoolFailsClosedOnEmptyResolved(t *testing.T) {
	reg := testRegistry(t)
	tc := &Context{Claims: proClaims()}

	_, err := SelectAuthorizedPool(reg, tc, pool.TaskChat)
	assert.Equal(t, gwerr.CodePoolAccessDenied, gwerr.CodeOf(err))
}

func TestSelectAffinityRankedPools(t *testing.T) {
	reg := testRegistry(t)
	tc, err := NewContext(reg, proClaims(), EnforceConfig{})
	require.NoError(t, err)

	ranked := SelectAffinityRankedPools(reg, tc, map[string]float64{
		"reasoning": 0.9,
		"reviewer":  0.9,
		"cheap":     0.1,
	})
	require.Len(t, ranked, 4)
	// Ties broken by pool id ascending: reasoning < reviewer.
	assert.Equal(t, "reasoning", ranked[0].String())
	assert.Equal(t, "reviewer", ranked[1].String())
	// Unscored pools sort after scored ones, id ascending.
	assert.Equal(t, "cheap", ranked[2].String())
	assert.Equal(t, "fast-code", ranked[3].String())
}

func TestAPIKeyLifecycle(t *testing.T) {
	m := NewKeyManager(NewMemoryKeyStore())
	ctx := context.Background()

	key, full, err := m.CreateKey(ctx, "tenant-9", pool.TierPro, "ci")
	require.NoError(t, err)
	assert.Contains(t, full, "gw_")
	assert.NotContains(t, key.KeyHash, full) // secret never stored raw

	got, err := m.ValidateKey(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, "tenant-9", got.TenantID)
	assert.Equal(t, pool.TierPro, got.Tier)

	_, err = m.ValidateKey(ctx, "gw_deadbeef.notthesecret")
	assert.Error(t, err)
	_, err = m.ValidateKey(ctx, "sk-wrongprefix")
	assert.Error(t, err)
}

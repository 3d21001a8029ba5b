package budget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/wire"
)

func TestTokenCostRoundsUp(t *testing.T) {
	// 1 token at $2.50/1M = 2.5 micro-USD, rounds up to 3
	c, err := tokenCost(1, wire.MicroUSDFromInt(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Int64())

	// exact division stays exact
	c, err = tokenCost(1_000_000, wire.MicroUSDFromInt(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), c.Int64())

	// free local models cost nothing
	c, err = tokenCost(500, wire.MicroUSD{})
	require.NoError(t, err)
	assert.Zero(t, c.Int64())

	_, err = tokenCost(-1, wire.MicroUSDFromInt(1))
	assert.Error(t, err)
}

func TestCalculateCost(t *testing.T) {
	pricing := DefaultTable().Find("openai", "gpt-4o")
	bd, err := CalculateCost(provider.Usage{PromptTokens: 1000, CompletionTokens: 500}, pricing)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), bd.Input.Int64())
	assert.Equal(t, int64(5000), bd.Output.Int64())
	assert.Equal(t, int64(7500), bd.Total.Int64())
}

func TestPricingFallbackIsConservative(t *testing.T) {
	p := DefaultTable().Find("unknown", "model")
	assert.Equal(t, defaultPricing, p)
	assert.Greater(t, p.InputPer1M.Int64(), int64(0))
}

func TestScopeKeys(t *testing.T) {
	assert.Nil(t, Scope{}.Keys())
	assert.Equal(t, []string{"project:p"}, Scope{Project: "p"}.Keys())
	assert.Equal(t,
		[]string{"project:p", "phase:p/ph", "sprint:p/ph/s1"},
		Scope{Project: "p", Phase: "ph", Sprint: "s1"}.Keys())
	// sprint without phase is not aggregated
	assert.Equal(t, []string{"project:p"}, Scope{Project: "p", Sprint: "s1"}.Keys())
}

func newEnforcer(t *testing.T, limits Limits, policy WriteFailurePolicy) *Enforcer {
	t.Helper()
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"), 0)
	require.NoError(t, err)
	e, err := NewEnforcer(ledger, limits, policy, nil, nil)
	require.NoError(t, err)
	return e
}

func limitsFor(key string, limit int64) Limits {
	return Limits{PerKey: map[string]wire.MicroUSD{key: wire.MicroUSDFromInt(limit)}, WarnPercent: 80}
}

func TestPrecheckWarnAndBlock(t *testing.T) {
	e := newEnforcer(t, limitsFor("project:p", 10_000), FailOpen)
	scope := Scope{Project: "p"}

	d := e.Precheck(scope, ModeBlock)
	assert.True(t, d.Allow)
	assert.False(t, d.Warn)

	// 9000 of 10000 = 90% >= warn threshold
	usage := provider.Usage{PromptTokens: 3_600_000} // × $2.50/1M = 9000 micro
	_, err := e.RecordCost(scope, usage, "openai", "gpt-4o", Meta{TraceID: "t1"})
	require.NoError(t, err)

	d = e.Precheck(scope, ModeBlock)
	assert.True(t, d.Allow)
	assert.True(t, d.Warn)
	assert.Equal(t, "project:p", d.Key)

	// push past the limit
	_, err = e.RecordCost(scope, usage, "openai", "gpt-4o", Meta{TraceID: "t2"})
	require.NoError(t, err)

	d = e.Precheck(scope, ModeBlock)
	assert.False(t, d.Allow)

	// downgrade mode signals substitution instead of blocking
	d = e.Precheck(scope, ModeDowngrade)
	assert.True(t, d.Allow)
	assert.True(t, d.Downgrade)
}

func TestUnmeteredScopePassesFreely(t *testing.T) {
	e := newEnforcer(t, Limits{}, FailOpen)
	d := e.Precheck(Scope{Project: "anything"}, ModeBlock)
	assert.True(t, d.Allow)
	assert.False(t, d.Warn)
}

func TestSpendAggregatesAcrossLevels(t *testing.T) {
	e := newEnforcer(t, Limits{}, FailOpen)
	scope := Scope{Project: "p", Phase: "ph", Sprint: "s"}
	_, err := e.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err)

	assert.Equal(t, int64(2500), e.Spent("project:p").Int64())
	assert.Equal(t, int64(2500), e.Spent("phase:p/ph").Int64())
	assert.Equal(t, int64(2500), e.Spent("sprint:p/ph/s").Int64())
}

func TestLedgerReplayRestoresSpend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	ledger, err := OpenLedger(path, 0)
	require.NoError(t, err)
	e, err := NewEnforcer(ledger, Limits{}, FailOpen, nil, nil)
	require.NoError(t, err)
	scope := Scope{Project: "p"}
	_, err = e.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err)

	// fresh process over the same file
	ledger2, err := OpenLedger(path, 0)
	require.NoError(t, err)
	e2, err := NewEnforcer(ledger2, Limits{}, FailOpen, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), e2.Spent("project:p").Int64())
}

func TestLedgerReplayLenientAmounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	// Hand-written line with a non-canonical amount (leading zeros).
	line := `{"ts":"2026-01-01T00:00:00Z","trace_id":"x","scope":{"project":"p"},"provider":"openai","model":"gpt-4o","total_cost_micro":"007"}`
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"+"{corrupt\n"), 0o644))

	ledger, err := OpenLedger(path, 0)
	require.NoError(t, err)
	spent, err := ledger.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(7), spent["project:p"].Int64())
}

func TestCheckpointSkipsReplayedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	ledger, err := OpenLedger(path, 1) // checkpoint after every entry
	require.NoError(t, err)
	e, err := NewEnforcer(ledger, Limits{}, FailOpen, nil, nil)
	require.NoError(t, err)
	scope := Scope{Project: "p"}
	_, err = e.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err)
	_, err = e.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err)

	_, err = os.Stat(path + ".checkpoint")
	require.NoError(t, err)

	ledger2, err := OpenLedger(path, 1)
	require.NoError(t, err)
	spent, err := ledger2.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), spent["project:p"].Int64())
}

func TestFailClosedBlocksAfterWriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	ledger, err := OpenLedger(path, 0)
	require.NoError(t, err)
	e, err := NewEnforcer(ledger, Limits{}, FailClosed, nil, nil)
	require.NoError(t, err)
	e2, err := NewEnforcer(ledger, Limits{}, FailOpen, nil, nil)
	require.NoError(t, err)

	// Break the ledger path: make it a directory so appends fail.
	require.NoError(t, os.Mkdir(path, 0o755))

	scope := Scope{Project: "p"}
	_, err = e.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err) // record itself tolerates the failure

	d := e.Precheck(scope, ModeBlock)
	assert.False(t, d.Allow)

	// fail-open keeps serving under the same fault
	_, err = e2.RecordCost(scope, provider.Usage{PromptTokens: 1000}, "openai", "gpt-4o", Meta{})
	require.NoError(t, err)
	assert.True(t, e2.Precheck(scope, ModeBlock).Allow)
	assert.Equal(t, int64(2500), e2.Spent("project:p").Int64())
}

// Package budget meters spend per scope against configured limits. Costs
// are computed in integer micro-USD, recorded to an append-only JSONL
// ledger, and enforced before each provider call.
package budget

import (
	"errors"
	"fmt"

	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/wire"
)

// Pricing is the micro-USD rate card per one million tokens.
type Pricing struct {
	InputPer1M     wire.MicroUSD
	OutputPer1M    wire.MicroUSD
	ReasoningPer1M wire.MicroUSD
}

// PricingTable maps "provider:model" to its rate card.
type PricingTable map[string]Pricing

// defaultPricing is the fallback rate card used when a model has no entry.
// Deliberately conservative (priced high) so unknown models never undercount.
var defaultPricing = Pricing{
	InputPer1M:     wire.MicroUSDFromInt(5_000_000),
	OutputPer1M:    wire.MicroUSDFromInt(15_000_000),
	ReasoningPer1M: wire.MicroUSDFromInt(15_000_000),
}

// DefaultTable covers the bundled pool targets. Rates are micro-USD per 1M
// tokens (e.g. 2_500_000 = $2.50 / 1M).
func DefaultTable() PricingTable {
	return PricingTable{
		"qwen-local:Qwen2.5-7B":       {},
		"qwen-local:Qwen2.5-Coder-7B": {},
		"openai:gpt-4o": {
			InputPer1M:  wire.MicroUSDFromInt(2_500_000),
			OutputPer1M: wire.MicroUSDFromInt(10_000_000),
		},
		"moonshot:kimi-k2": {
			InputPer1M:     wire.MicroUSDFromInt(600_000),
			OutputPer1M:    wire.MicroUSDFromInt(2_500_000),
			ReasoningPer1M: wire.MicroUSDFromInt(2_500_000),
		},
		"anthropic:claude-sonnet": {
			InputPer1M:  wire.MicroUSDFromInt(3_000_000),
			OutputPer1M: wire.MicroUSDFromInt(15_000_000),
		},
	}
}

// Find returns the rate card for a (provider, model) pair, falling back to
// the conservative default.
func (t PricingTable) Find(providerName, model string) Pricing {
	if p, ok := t[providerName+":"+model]; ok {
		return p
	}
	return defaultPricing
}

// CostBreakdown itemizes one request's cost.
type CostBreakdown struct {
	Input     wire.MicroUSD
	Output    wire.MicroUSD
	Reasoning wire.MicroUSD
	Total     wire.MicroUSD
}

var errCostOverflow = errors.New("budget: cost computation overflow")

// tokenCost computes tokens × ratePer1M / 1e6, rounding up so fractions of
// a micro-dollar are never dropped in the tenant's favor.
func tokenCost(tokens int64, ratePer1M wire.MicroUSD) (wire.MicroUSD, error) {
	if tokens < 0 {
		return wire.MicroUSD{}, fmt.Errorf("budget: negative token count %d", tokens)
	}
	rate := ratePer1M.Int64()
	if tokens == 0 || rate == 0 {
		return wire.MicroUSD{}, nil
	}
	product := tokens * rate
	if product/rate != tokens {
		return wire.MicroUSD{}, errCostOverflow
	}
	cost := product / 1_000_000
	if product%1_000_000 != 0 {
		cost++
	}
	return wire.MicroUSDFromInt(cost), nil
}

// CalculateCost prices a usage block against a rate card.
func CalculateCost(usage provider.Usage, pricing Pricing) (CostBreakdown, error) {
	var bd CostBreakdown
	var err error

	if bd.Input, err = tokenCost(usage.PromptTokens, pricing.InputPer1M); err != nil {
		return bd, err
	}
	if bd.Output, err = tokenCost(usage.CompletionTokens, pricing.OutputPer1M); err != nil {
		return bd, err
	}
	if bd.Reasoning, err = tokenCost(usage.ReasoningTokens, pricing.ReasoningPer1M); err != nil {
		return bd, err
	}

	total, err := bd.Input.Add(bd.Output)
	if err != nil {
		return bd, err
	}
	if bd.Total, err = total.Add(bd.Reasoning); err != nil {
		return bd, err
	}
	return bd, nil
}

package guard

import (
	"fmt"
)

// RunCheck evaluates one invariant. The verdict lattice is fail-closed:
//
//   - bypassed: the ad-hoc result governs (unknown counts as pass, the
//     operator accepted that risk at startup)
//   - degraded or uninitialized: evaluator error, effective fail
//   - evaluator panic or error: evaluator error, effective fail
//   - any definitive fail from either side: effective fail
//
// Divergent definitive verdicts (evaluator pass, ad-hoc fail or vice versa)
// bump the divergence metric.
func (g *Guard) RunCheck(id string, ops Operands, adhoc Outcome) InvariantResult {
	res := InvariantResult{ID: id, AdhocResult: adhoc, EvaluatorResult: OutcomeUnknown}

	state := g.State()
	switch state {
	case StateBypassed:
		if adhoc == OutcomeFail {
			res.Effective = OutcomeFail
		} else {
			res.Effective = OutcomePass
		}
		g.recordOutcome(res, ops)
		return res

	case StateDegraded, StateUninitialized:
		res.EvaluatorResult = OutcomeError
		res.Effective = OutcomeFail
		res.Message = fmt.Sprintf("evaluator %s, failing closed", state)
		g.recordOutcome(res, ops)
		return res
	}

	g.mu.RLock()
	ev, ok := g.evaluators[id]
	g.mu.RUnlock()
	if !ok {
		res.EvaluatorResult = OutcomeError
		res.Effective = OutcomeFail
		res.Message = fmt.Sprintf("unknown invariant %q", id)
		g.recordOutcome(res, ops)
		return res
	}

	res.EvaluatorResult = g.evaluate(ev, ops, &res)

	if definitive(res.EvaluatorResult) && definitive(adhoc) && res.EvaluatorResult != adhoc {
		metricDivergence.WithLabelValues(id).Inc()
		g.logger.Printf("divergence on %s: evaluator=%s adhoc=%s", id, res.EvaluatorResult, adhoc)
	}

	switch {
	case res.EvaluatorResult == OutcomeError:
		res.Effective = OutcomeFail
	case res.EvaluatorResult == OutcomeFail || adhoc == OutcomeFail:
		res.Effective = OutcomeFail
	default:
		res.Effective = OutcomePass
	}

	g.recordOutcome(res, ops)
	return res
}

// evaluate runs the compiled evaluator, converting panics into errors.
func (g *Guard) evaluate(ev Evaluator, ops Operands, res *InvariantResult) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			res.Message = fmt.Sprintf("evaluator panic: %v", r)
			out = OutcomeError
		}
	}()
	ok, err := ev(ops)
	if err != nil {
		res.Message = err.Error()
		return OutcomeError
	}
	if ok {
		return OutcomePass
	}
	return OutcomeFail
}

// recordOutcome emits the HARD_FAIL metric and the structured fail log.
// The input summary carries only operand names and their numeric values;
// free-form context never reaches this log line.
func (g *Guard) recordOutcome(res InvariantResult, ops Operands) {
	if res.Effective != OutcomeFail {
		return
	}
	metricHardFail.WithLabelValues(res.ID).Inc()

	summary := make(map[string]int64, len(ops))
	for k, v := range ops {
		summary[k] = v
	}
	g.logger.Printf("HARD_FAIL invariant=%s evaluator=%s adhoc=%s input_summary=%v msg=%q",
		res.ID, res.EvaluatorResult, res.AdhocResult, summary, res.Message)
}

// ConservationOperands folds a posting set into the operands of the
// ledger_conservation invariant: positive amounts are debits, negative are
// credits, and conservation holds when they cancel.
func ConservationOperands(postings []int64) Operands {
	var debits, credits int64
	for _, p := range postings {
		if p >= 0 {
			debits += p
		} else {
			credits += p
		}
	}
	return Operands{"debits": debits, "credits": credits}
}

// CheckConservation verifies that the postings for one correlation id sum
// to zero.
func (g *Guard) CheckConservation(postings []int64, adhoc Outcome) InvariantResult {
	return g.RunCheck("ledger_conservation", ConservationOperands(postings), adhoc)
}

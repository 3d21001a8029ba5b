// Package guard is the billing conservation guard: a compiled set of
// declarative integer constraints checked around every billable operation,
// with a fail-closed lifecycle and an audited bypass.
package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// The constraint language is a closed function family over named int64
// operands. No arithmetic, no user expressions; anything else is a compile
// error.
const (
	fnGte     = "bigint_gte"
	fnEq      = "bigint_eq"
	fnSumZero = "bigint_sum_zero"
)

// Operands binds names to values for one evaluation. The name "zero" is
// implicit and always 0.
type Operands map[string]int64

// Evaluator is a compiled constraint.
type Evaluator func(ops Operands) (bool, error)

// Constraint is a named declarative expression, e.g.
// "bigint_gte(limit, spent)".
type Constraint struct {
	ID   string
	Expr string
}

var exprRe = regexp.MustCompile(`^([a-z_0-9]+)\(([^)]*)\)$`)

// Compile parses one constraint expression into an evaluator.
func Compile(expr string) (Evaluator, error) {
	m := exprRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return nil, fmt.Errorf("guard: malformed constraint %q", expr)
	}
	fn := m[1]
	var args []string
	if strings.TrimSpace(m[2]) != "" {
		for _, a := range strings.Split(m[2], ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				return nil, fmt.Errorf("guard: empty operand in %q", expr)
			}
			args = append(args, a)
		}
	}

	switch fn {
	case fnGte:
		if len(args) != 2 {
			return nil, fmt.Errorf("guard: %s wants 2 operands, got %d", fn, len(args))
		}
		return func(ops Operands) (bool, error) {
			a, err := resolve(ops, args[0])
			if err != nil {
				return false, err
			}
			b, err := resolve(ops, args[1])
			if err != nil {
				return false, err
			}
			return a >= b, nil
		}, nil

	case fnEq:
		if len(args) != 2 {
			return nil, fmt.Errorf("guard: %s wants 2 operands, got %d", fn, len(args))
		}
		return func(ops Operands) (bool, error) {
			a, err := resolve(ops, args[0])
			if err != nil {
				return false, err
			}
			b, err := resolve(ops, args[1])
			if err != nil {
				return false, err
			}
			return a == b, nil
		}, nil

	case fnSumZero:
		if len(args) == 0 {
			return nil, fmt.Errorf("guard: %s wants at least 1 operand", fn)
		}
		return func(ops Operands) (bool, error) {
			var sum int64
			for _, name := range args {
				v, err := resolve(ops, name)
				if err != nil {
					return false, err
				}
				next := sum + v
				if (v > 0 && next < sum) || (v < 0 && next > sum) {
					return false, fmt.Errorf("guard: overflow summing operand %q", name)
				}
				sum = next
			}
			return sum == 0, nil
		}, nil

	default:
		return nil, fmt.Errorf("guard: unknown constraint function %q", fn)
	}
}

func resolve(ops Operands, name string) (int64, error) {
	if name == "zero" {
		return 0, nil
	}
	v, ok := ops[name]
	if !ok {
		return 0, fmt.Errorf("guard: missing operand %q", name)
	}
	return v, nil
}

// DefaultConstraints is the production constraint set.
func DefaultConstraints() []Constraint {
	return []Constraint{
		{ID: "budget_limit", Expr: "bigint_gte(limit, spent)"},
		{ID: "cost_nonneg", Expr: "bigint_gte(cost, zero)"},
		{ID: "allocation_reserve", Expr: "bigint_gte(allocation, reserve)"},
		{ID: "ledger_conservation", Expr: "bigint_sum_zero(debits, credits)"},
	}
}

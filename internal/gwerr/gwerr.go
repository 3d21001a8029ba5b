// Package gwerr defines the gateway's wire-visible error taxonomy. Every
// user-visible failure is one of these codes; handlers map codes to HTTP
// statuses and never leak stack traces or provider error bodies.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies how an error propagates.
type Kind string

const (
	// KindInput covers 4xx caller errors: codec violations, invalid pools,
	// unknown bindings. Never retried.
	KindInput Kind = "input_fault"

	// KindPolicy covers denials: tier unauthorized, JWT-pool mismatch,
	// budget exceeded, invariant fail. Propagate immediately.
	KindPolicy Kind = "policy_denial"

	// KindTransient covers rate limits, provider 5xx, network errors.
	// Retried internally; reach the user only after exhaustion.
	KindTransient Kind = "transient"

	// KindInternal covers evaluator degradation and ledger write failures
	// in fail-closed mode.
	KindInternal Kind = "internal"
)

// Code is a wire-visible error code.
type Code string

const (
	CodePoolAccessDenied         Code = "POOL_ACCESS_DENIED"
	CodeUnknownPool              Code = "UNKNOWN_POOL"
	CodeTierUnauthorized         Code = "TIER_UNAUTHORIZED"
	CodeBindingInvalid           Code = "BINDING_INVALID"
	CodeNativeRuntimeRequired    Code = "NATIVE_RUNTIME_REQUIRED"
	CodeProviderUnavailable      Code = "PROVIDER_UNAVAILABLE"
	CodeBudgetExceeded           Code = "BUDGET_EXCEEDED"
	CodeBillingEvaluatorUnavail  Code = "BILLING_EVALUATOR_UNAVAILABLE"
	CodeBillingInvariantViolated Code = "BILLING_INVARIANT_VIOLATED"
	CodeToolCallMaxIterations    Code = "TOOL_CALL_MAX_ITERATIONS"
	CodeToolCallConsecutiveFails Code = "TOOL_CALL_CONSECUTIVE_FAILURES"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeConfigInvalid            Code = "CONFIG_INVALID"
	CodeWireBoundaryViolation    Code = "WIRE_BOUNDARY_VIOLATION"
	CodeUnauthenticated          Code = "UNAUTHENTICATED"
	CodeForbidden                Code = "FORBIDDEN"
)

// Error is the structured gateway error. Details carries safe fields only;
// callers must never place secrets or raw provider bodies in it.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a gateway error.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches an underlying cause that stays out of the wire body.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, wrapped: cause}
}

// WithDetail returns e with one safe detail field added.
func (e *Error) WithDetail(k, v string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[k] = v
	return e
}

// CodeOf extracts the wire code from any error chain. Unclassified errors
// surface as PROVIDER_UNAVAILABLE, the catch-all transient code.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeProviderUnavailable
}

// KindOf extracts the propagation kind; unclassified errors are internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// HTTPStatus maps a code to its wire status per the interface contract.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConfigInvalid, CodeWireBoundaryViolation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePoolAccessDenied, CodeTierUnauthorized, CodeForbidden,
		CodeNativeRuntimeRequired, CodeBillingInvariantViolated:
		return http.StatusForbidden
	case CodeBindingInvalid, CodeUnknownPool:
		return http.StatusNotFound
	case CodeRateLimited, CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeBillingEvaluatorUnavail, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeToolCallMaxIterations, CodeToolCallConsecutiveFails:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

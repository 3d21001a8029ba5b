package health

import (
	"context"
	"errors"
	"net"
)

// StatusError carries an upstream HTTP status for failure classification.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string { return e.Message }

// IsHealthFailure reports whether err should count against endpoint health.
// Only 5xx and network errors qualify; 4xx (400/401/403/429) are caller or
// policy problems and must not open the circuit.
func IsHealthFailure(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified transport-level errors count as health failures;
	// anything shaped like a caller error was already filtered above.
	return true
}

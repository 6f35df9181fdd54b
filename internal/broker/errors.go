package broker

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionErrorKind classifies broker connection failures.
type ConnectionErrorKind string

const (
	// ConnectionErrorTimeout marks failures where the venue did not answer
	// in time.
	ConnectionErrorTimeout ConnectionErrorKind = "timeout"
	// ConnectionErrorAuth marks credential rejections. Retrying with the
	// same credentials will not help.
	ConnectionErrorAuth ConnectionErrorKind = "auth"
	// ConnectionErrorGeneric covers everything else.
	ConnectionErrorGeneric ConnectionErrorKind = "generic"
)

// ConnectionError wraps a failure while talking to the venue, classified by
// kind so callers can distinguish retryable from fatal failures.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection error (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err with the given kind.
func NewConnectionError(kind ConnectionErrorKind, err error) *ConnectionError {
	return &ConnectionError{Kind: kind, Err: err}
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == ConnectionErrorAuth
}

// CircuitOpenError is returned when a call is refused because the circuit
// breaker is open. RetryAfter is the remaining cool-down.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry after %s", e.RetryAfter.Round(time.Second))
}

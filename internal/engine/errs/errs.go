// Package errs holds the workflow error taxonomy. Every type is recoverable
// and reported to the caller verbatim; none leaves partial state behind.
package errs

import (
	"fmt"

	"servicebay/internal/domain"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation that is not legal from the current
// status of a request or invoice.
type InvalidStateError struct {
	Op     string
	From   domain.Status
	Detail string
}

func (e InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s in status %s", e.Op, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ConflictError reports a lost optimistic-concurrency race on a shared resource.
// Callers refresh their view and retry.
type ConflictError struct {
	Resource string
	Message  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// InsufficientStockError names the part whose stock could not cover a deduction.
type InsufficientStockError struct {
	PartID    string
	PartName  string
	Requested int
	Available int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.PartName, e.Requested, e.Available)
}

// VerificationError is returned when a payment confirmation cannot be proven authentic.
type VerificationError struct {
	Reason string
}

func (e VerificationError) Error() string {
	return "payment verification failed: " + e.Reason
}

// UnavailableError wraps a failing external dependency.
type UnavailableError struct {
	Service   string
	Retryable bool
	Err       error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e UnavailableError) Unwrap() error { return e.Err }

/*
errors.go - Error taxonomy for the billing core

PURPOSE:
  Every failure the core reports falls into one of five kinds. Callers decide
  whether to resubmit based on the kind, so nothing here is retried
  transparently: financial operations must never be silently duplicated.

ERROR KINDS:
  ValidationError      Malformed or out-of-range input. Caller's fault.
  ConflictError        Concurrent state makes the operation invalid (report
                       already paid, sessions claimed by another report).
                       Re-fetch and retry with fresh data.
  ConsistencyError     An internal invariant check failed (report total does
                       not match its sessions). Logged and surfaced, never
                       corrected silently.
  EmptySelectionError  Valid request, nothing to bill.
  NotFoundError        Referenced entity is absent.

USAGE:
  Structured errors carry context and unwrap to a sentinel:

    if errors.Is(err, billing.ErrConflict) {
        // re-fetch and let the operator decide
    }

    var verr *billing.ValidationError
    if errors.As(err, &verr) {
        fmt.Println(verr.Field)
    }
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when concurrent state prevents the operation.
	ErrConflict = errors.New("conflict")

	// ErrConsistency is returned when a stored invariant no longer holds.
	ErrConsistency = errors.New("consistency check failed")

	// ErrEmptySelection is returned when a report would cover no sessions.
	ErrEmptySelection = errors.New("empty selection")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key was already journaled. It is a conflict.
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: %w", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError describes which resource is in the way and why.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ConsistencyError reports a report whose stored total no longer matches
// the sessions it covers.
type ConsistencyError struct {
	ReportID ReportID
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Reason   string
}

func (e *ConsistencyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("report %s inconsistent: %s", e.ReportID, e.Reason)
	}
	return fmt.Sprintf("report %s inconsistent: total %s, sessions sum to %s",
		e.ReportID, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// EmptySelectionError is returned when no session qualifies for a report.
type EmptySelectionError struct {
	ContractID ContractID
	Period     Period
}

func (e *EmptySelectionError) Error() string {
	return fmt.Sprintf("no billable sessions for contract %s in %s", e.ContractID, e.Period)
}

func (e *EmptySelectionError) Unwrap() error { return ErrEmptySelection }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound is used by store implementations.
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// NewConflict is used by store implementations.
func NewConflict(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the request and resubmit.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrEmptySelection)
}

// IsConflict returns true if the caller should re-fetch before retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

/*
errors.go - Centralized error types for the stock ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps them to HTTP status codes through the helpers at the
  bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - malformed writes, rejected before anything is stored
  2. Not found errors  - unknown stock, country, campaign, form or movement
  3. Conflict errors   - earmark lineage would go negative, history rewritten
  4. Computation errors - reserved for states the read path cannot explain

READ PATH POLICY:
  The calculator does not raise on partially populated historical rows.
  Absent optional counts are read as zero; only a missing doses-per-vial
  constant for a persisted stock is reported, as a ComputationError.

SEE ALSO:
  - recorder.go: produces ValidationError and EarmarkBalanceError
  - calculator.go: produces ComputationError
  - api/handlers.go: maps errors to HTTP responses
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a write is rejected for bad input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a record with the same identity exists.
	ErrDuplicate = errors.New("duplicate record")

	// ErrEarmarkBalance is returned when a used/returned earmark would drive
	// its reservation lineage below zero.
	ErrEarmarkBalance = errors.New("earmark balance would go negative")

	// ErrHistoryExists is returned when a round closing is recorded twice.
	ErrHistoryExists = errors.New("history already recorded for round")

	// ErrComputation is returned when persisted data cannot be projected.
	ErrComputation = errors.New("computation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "stock", "country", "campaign", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError. Stores use it for single-record lookups.
func NotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// EarmarkBalanceError reports a reservation lineage that cannot cover a
// used/returned event.
type EarmarkBalanceError struct {
	StockID   string
	Lineage   string
	Available int
	Requested int
}

func (e *EarmarkBalanceError) Error() string {
	return fmt.Sprintf("earmark balance would go negative: lineage %s has %d vials, requested %d",
		e.Lineage, e.Available, e.Requested)
}

// Unwrap makes the error match both ErrEarmarkBalance and ErrValidation.
func (e *EarmarkBalanceError) Unwrap() []error {
	return []error{ErrEarmarkBalance, ErrValidation}
}

// ComputationError wraps a failure of the read-side projection.
type ComputationError struct {
	Op  string
	Err error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ComputationError) Unwrap() []error {
	return []error{ErrComputation, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the write collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrEarmarkBalance) ||
		errors.Is(err, ErrHistoryExists)
}

/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The engine never retries and never rewrites an error: whatever a store
  or a guard returns reaches the caller as-is.

ERROR CATEGORIES:
  1. NotFound   - Entity absent, or parent/child pair mismatched
  2. Conflict   - Item already terminal, or a concurrent writer won the guard
  3. Validation - Unknown or inapplicable target status, bad input
  4. Store      - Underlying persistence failure

USAGE:
  Callers branch with errors.Is on the sentinels or errors.As on the
  structured types:

    if errors.Is(err, generic.ErrConflict) {
        // lost the race, nothing was written
    }

SEE ALSO:
  - transition.go: Produces Conflict/NotFound/Validation
  - store/sqlite/sqlite.go: Produces Store errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a task, subtask or user does not exist,
	// or when a subtask does not belong to the given task.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the target row is already terminal or
	// a concurrent update won the guarded write.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed input such as an unknown status.
	ErrValidation = errors.New("validation failed")

	// ErrStore is returned when persistence fails.
	ErrStore = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "task", "subtask", "user"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a rejected transition on a row that is no longer open.
type ConflictError struct {
	Kind   string
	ID     string
	Status Status // status observed when the request was rejected, if known
}

func (e *ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s %s cannot be updated: already %s", e.Kind, e.ID, e.Status)
	}
	return fmt.Sprintf("%s %s cannot be updated: concurrent modification", e.Kind, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError describes a rejected input value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StoreError wraps a persistence failure with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if the error indicates a lost or stale transition.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStore returns true if the error came from the persistence layer.
func IsStore(err error) bool { return errors.Is(err, ErrStore) }

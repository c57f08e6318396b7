/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place. Every structured error unwraps to a
  sentinel so callers can branch with errors.Is and still render the
  detail carried by errors.As.

ERROR CATEGORIES:
  1. Validation  - payload fails business rules (not retryable)
  2. Locked      - mutation on a locked entry (retry after Unlock)
  3. Not found   - no active or deleted entry with that id
  4. Transition  - operation not allowed from the entry's current state
  5. Concurrency - collision detected at commit (safe to retry once)
  6. Audit       - history record could not be written (mutation aborted)
  7. Reconciliation mismatch - diagnostic only, never blocks writes

SEE ALSO:
  - ledger.go: Returns these errors from every transition
  - api/handlers.go: Maps them to HTTP status codes
*/
package cashbook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrEntryLocked            = errors.New("entry is locked")
	ErrEntryNotFound          = errors.New("entry not found")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrAuditWrite             = errors.New("audit record could not be written")
	ErrReconciliationMismatch = errors.New("credits and debits do not reconcile")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Issue is one validation finding.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string { return i.Field + ": " + i.Message }

// ValidationError lists every rule the payload broke.
type ValidationError struct {
	Issues   []Issue
	Warnings []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Fields returns the names of the offending fields in issue order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		fields = append(fields, issue.Field)
	}
	return fields
}

type LockedEntryError struct {
	EntryID EntryID
	Op      string
}

func (e *LockedEntryError) Error() string {
	return fmt.Sprintf("cannot %s entry %s: entry is locked", e.Op, e.EntryID)
}

func (e *LockedEntryError) Unwrap() error { return ErrEntryLocked }

type NotFoundError struct {
	EntryID EntryID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entry %s not found", e.EntryID)
}

func (e *NotFoundError) Unwrap() error { return ErrEntryNotFound }

// InvalidTransitionError is returned when the operation is not defined for
// the entry's current state, e.g. restoring an entry that is not deleted.
type InvalidTransitionError struct {
	EntryID EntryID
	Op      string
	State   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s entry %s in state %s", e.Op, e.EntryID, e.State)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConcurrencyError reports a sequence or version collision detected when
// committing. The whole operation can be retried once.
type ConcurrencyError struct {
	EntryID EntryID
	Op      string
	Err     error
}

func (e *ConcurrencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent modification during %s of entry %s: %v", e.Op, e.EntryID, e.Err)
	}
	return fmt.Sprintf("concurrent modification during %s of entry %s", e.Op, e.EntryID)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrentModification }

// ReconciliationMismatch is a read-only diagnostic from the Reconciler.
type ReconciliationMismatch struct {
	TotalCredit decimal.Decimal
	TotalDebit  decimal.Decimal
	Difference  decimal.Decimal
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("reconciliation mismatch: credit %s, debit %s, difference %s",
		e.TotalCredit.StringFixed(2), e.TotalDebit.StringFixed(2), e.Difference.StringFixed(2))
}

func (e *ReconciliationMismatch) Unwrap() error { return ErrReconciliationMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the caller must change something first.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEntryLocked) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

// Outcome classifies an operation result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEntryLocked):
		return "locked"
	case errors.Is(err, ErrEntryNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrAuditWrite):
		return "audit_failure"
	default:
		return "error"
	}
}

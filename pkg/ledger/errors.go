package ledger

import (
	"errors"
	"fmt"
)

// Domain errors. Callers match with errors.Is; the concrete error returned is
// usually an *Error carrying the operation and entity.
var (
	// ErrInsufficientBudget indicates a reservation larger than the remaining capacity.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrLeaseExhausted indicates a usage report beyond the lease's grant.
	ErrLeaseExhausted = errors.New("lease exhausted")

	// ErrLeaseNotActive indicates usage against a terminal or expired lease.
	ErrLeaseNotActive = errors.New("lease not active")

	// ErrRequestNotPending indicates a conflicting transition on a decided request.
	ErrRequestNotPending = errors.New("request not pending")

	// ErrInvariantViolation indicates a mutation that would corrupt an entity.
	// The entity is quarantined until an operator clears it.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound indicates an unknown agent, lease or request.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate registration.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidAmount indicates a negative, zero or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput indicates a malformed identifier, justification or reason.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRiskNotAcknowledged indicates a decrease without explicit acknowledgement.
	ErrRiskNotAcknowledged = errors.New("risk not acknowledged")

	// ErrBelowCommitted indicates a decrease below spent plus reserved without override.
	ErrBelowCommitted = errors.New("allocation below committed spend")

	// ErrStaleRequest indicates the allocation has already reached the requested budget.
	ErrStaleRequest = errors.New("request superseded by current allocation")

	// ErrOverflow indicates arithmetic that would not fit in int64.
	ErrOverflow = errors.New("amount overflow")
)

// Error describes a failed ledger operation.
type Error struct {
	// Op is the operation that failed (e.g. "reserve", "report_spend").
	Op string

	// ID is the agent, lease or request the operation targeted.
	ID string

	// Detail carries amounts or other context.
	Detail string

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.ID, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an *Error.
func NewError(op, id string, err error, detailFormat string, args ...any) *Error {
	e := &Error{Op: op, ID: id, Err: err}
	if detailFormat != "" {
		e.Detail = fmt.Sprintf(detailFormat, args...)
	}
	return e
}

// AddChecked returns a+b or ErrOverflow.
func AddChecked(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, ErrOverflow
	}
	return c, nil
}

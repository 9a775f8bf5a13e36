/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place. The Ledger and Eligibility types never
  return errors from queries, these are produced by validation (Check)
  and by the persistence/lock collaborators.

ERROR CATEGORIES:
  1. Lookup errors - referenced transaction absent
  2. Validation errors - ineligible action, amount too large
  3. Concurrency errors - lock busy, version conflict (the only retryable ones)

SEE ALSO:
  - eligibility.go: Check produces the validation errors
  - store.go: Store and OrderLocker contracts
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an action targets a UniqueID the ledger does not hold.
	ErrNotFound = errors.New("transaction not found")

	// ErrIneligibleAction is returned when CanCapture/CanRefund/CanVoid is false.
	ErrIneligibleAction = errors.New("action not allowed for transaction")

	// ErrAmountExceeded is returned when a requested amount is above what is available.
	ErrAmountExceeded = errors.New("amount exceeds available amount")

	// ErrInvalidAmount is returned for zero or negative action amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRecord is returned for records without a UniqueID or Kind.
	ErrInvalidRecord = errors.New("invalid transaction record")

	// ErrConcurrentModification is returned when a version check fails on save.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrOrderBusy is returned when the order lock could not be acquired in time.
	ErrOrderBusy = errors.New("order is busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type NotFoundError struct {
	OrderID       string
	TransactionID string
}

func (e *NotFoundError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("order %q has no transactions", e.OrderID)
	}
	if e.OrderID == "" {
		return fmt.Sprintf("transaction %q not found", e.TransactionID)
	}
	return fmt.Sprintf("transaction %q not found in order %q", e.TransactionID, e.OrderID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IneligibleActionError explains why an action was refused.
// Reason is a short domain message meant to be shown to the merchant.
type IneligibleActionError struct {
	Action        Action
	TransactionID string
	Reason        string
}

func (e *IneligibleActionError) Error() string {
	return fmt.Sprintf("cannot %s transaction %q: %s", e.Action, e.TransactionID, e.Reason)
}

func (e *IneligibleActionError) Unwrap() error { return ErrIneligibleAction }

type AmountExceededError struct {
	Action    Action
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *AmountExceededError) Error() string {
	return fmt.Sprintf("%s amount %s exceeds available %s",
		e.Action, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *AmountExceededError) Unwrap() error { return ErrAmountExceeded }

type ConcurrentModificationError struct {
	OrderID  string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("order %q was modified concurrently (expected version %d, found %d)",
		e.OrderID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a fresh reload.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrOrderBusy)
}

// IsClientError returns true if the request itself was wrong.
func IsClientError(err error) bool {
	return errors.Is(err, ErrIneligibleAction) ||
		errors.Is(err, ErrAmountExceeded) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRecord)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place. The HTTP layer and callers branch on these
  with errors.Is/errors.As; structured errors unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation errors   - bad input shape/range, rejected before any write
  2. Capacity errors     - stock would go negative at commit or reversal time
  3. Not-found errors    - referenced product/party/transaction absent
  4. Concurrency errors  - lost the race on a per-key update; safe to retry
  5. Invariant errors    - defensive, should be unreachable; signals a bug

PROPAGATION POLICY:
  Every error aborts the whole unit of work; nothing partial is committed.
  ErrConcurrentModification is the only class callers retry automatically.
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
	// ErrValidation is returned for malformed input, before any write.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned for out-of-range monetary input, such as
	// a non-positive payment or an overpayment the caller did not accept.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientStock is returned when a stock decrement would drive a
	// product's stock negative, at creation or at reversal time.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrNotFound is returned when a referenced product, party, or
	// transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a per-product or per-party
	// critical section was lost to a concurrent writer. The whole operation
	// may be retried safely because it is all-or-nothing.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvariantViolation signals ledger state that should be unreachable
	// (cached counter diverged from its fold). It indicates a bug and must
	// abort and alert rather than silently continue.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports a capacity violation for one product.
type InsufficientStockError struct {
	ProductID ProductID
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// NotFoundError reports which entity was missing.
type NotFoundError struct {
	Entity string // "product", "party", "transaction"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidAmountError reports an out-of-range monetary value.
type InvalidAmountError struct {
	Field  string
	Amount decimal.Decimal
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount for %s (%s): %s", e.Field, e.Amount, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InvariantViolationError reports a cached counter diverging from its fold.
type InvariantViolationError struct {
	Entity   string // "product" or "party"
	ID       string
	Cached   string
	Refolded string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s %s cached=%s refolded=%s",
		e.Entity, e.ID, e.Cached, e.Refolded)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientStock)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

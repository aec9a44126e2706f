/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and adapters wrap these with fmt.Errorf("...: %w") so callers
  can classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found - patient, payment method, copay or payment absent or ineligible
  2. Business validation - amounts the client must correct
  3. Store conflicts - uniqueness and optimistic-concurrency violations
  4. Internal - gateway outages and broken ledger invariants

RETRY SEMANTICS:
  Not-found and validation errors are final for the given input.
  ErrConcurrentModification and ErrGatewayUnavailable are retryable.
  ErrLedgerInconsistent means stored state is corrupt; it must page
  someone, not be retried.

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP responses
*/
package payments

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced resource does not exist or is
	// not eligible for the operation (inactive method, settled copay).
	ErrNotFound = errors.New("resource not found")

	// ErrBusinessValidation is returned when the request breaks a business rule.
	ErrBusinessValidation = errors.New("business validation failed")

	// ErrDuplicateRequestKey is returned by stores when a payment with the same
	// request key already exists. The settlement path turns it into a replay.
	ErrDuplicateRequestKey = errors.New("duplicate request key")

	// ErrDuplicateChargeID is returned by stores when a processor charge id is
	// already attached to another payment.
	ErrDuplicateChargeID = errors.New("duplicate processor charge id")

	// ErrDuplicateAllocation is returned by stores when a payment already has
	// an allocation for the copay.
	ErrDuplicateAllocation = errors.New("duplicate allocation for copay")

	// ErrConcurrentModification is returned when a conditional write keeps
	// losing to concurrent writers, or a per-charge lock is held elsewhere.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrGatewayUnavailable is returned when the processor cannot accept a charge.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrLedgerInconsistent signals a broken invariant in stored credit state.
	ErrLedgerInconsistent = errors.New("credit ledger inconsistent")
)

// Business validation codes.
const (
	CodeAmountNegative      = "AMOUNT_NEGATIVE"
	CodeAmountPrecision     = "AMOUNT_PRECISION"
	CodeAllocationExcessive = "ALLOCATION_EXCESSIVE"
	CodeCurrencyUnsupported = "CURRENCY_UNSUPPORTED"
	CodeDuplicateAllocation = "DUPLICATE_ALLOCATION"
	CodeAllocationsRequired = "ALLOCATIONS_REQUIRED"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFound builds a NotFoundError for any string-like id.
func NewNotFound[T ~string](resource string, id T) error {
	return &NotFoundError{Resource: resource, ID: string(id)}
}

// ValidationError is a business-rule violation the client must correct.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrBusinessValidation
}

func newValidationError(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrGatewayUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBusinessValidation) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

/*
errors.go - Centralized error types for the quote engine

PURPOSE:
  All error kinds in one place. Expected outcomes (insufficient stock,
  invalid transition) are typed so callers can branch on them with
  errors.As; every structured error unwraps to a sentinel for errors.Is.

ERROR CATEGORIES:
  1. Lookup errors - quote or product missing
  2. Permission errors - caller lacks the capability
  3. Lifecycle errors - transition not valid from the current status
  4. Ledger errors - stock cannot cover the order
  5. Integrity errors - stored payload unreadable
  6. Contention errors - the unit of work could not commit

SEE ALSO:
  - engine.go: produces these errors
  - api/errors.go: maps them to HTTP statuses
*/
package quote

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced quote or product doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller's role lacks the capability.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition is returned when the quote is not in the source
	// status of the requested transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientStock is returned when a line cannot be fulfilled.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrMalformedQuote is returned when a stored order payload cannot be used.
	ErrMalformedQuote = errors.New("malformed quote")

	// ErrConcurrentModification is returned when the unit of work lost a race
	// or timed out waiting for locks.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrValidation is returned for invalid client input.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type QuoteNotFoundError struct {
	QuoteID QuoteID
}

func (e *QuoteNotFoundError) Error() string {
	return fmt.Sprintf("quote %s not found", e.QuoteID)
}

func (e *QuoteNotFoundError) Unwrap() error { return ErrNotFound }

type ProductNotFoundError struct {
	ProductID ProductID
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Unwrap() error { return ErrNotFound }

type UnauthorizedError struct {
	Actor      Actor
	Transition Transition
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("role %q may not %s", e.Actor.Role, e.Transition)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// InvalidTransitionError names the attempted transition and the status the
// quote actually had; stale UI state is the usual cause.
type InvalidTransitionError struct {
	QuoteID    QuoteID
	Transition Transition
	Current    Status
	Required   []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s quote %s: current status %s, required %v",
		e.Transition, e.QuoteID, e.Current, e.Required)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyProcessed is true when the quote has moved past the transition's
// source status, as opposed to not having reached it yet.
func (e *InvalidTransitionError) AlreadyProcessed() bool {
	cur := statusRank[e.Current]
	for _, req := range e.Required {
		if cur <= statusRank[req] {
			return false
		}
	}
	return true
}

// InsufficientStockError names the first product that blocked the order.
type InsufficientStockError struct {
	ProductID ProductID
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d, shortfall %d",
		e.ProductID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func (e *InsufficientStockError) Shortfall() int64 {
	return e.Requested - e.Available
}

type MalformedQuoteError struct {
	QuoteID QuoteID
	Reason  string
	Err     error
}

func (e *MalformedQuoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quote %s is malformed: %s: %v", e.QuoteID, e.Reason, e.Err)
	}
	return fmt.Sprintf("quote %s is malformed: %s", e.QuoteID, e.Reason)
}

func (e *MalformedQuoteError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedQuote, e.Err}
	}
	return []error{ErrMalformedQuote}
}

type ConcurrentModificationError struct {
	QuoteID  QuoteID
	Attempts int
	Err      error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("quote %s: concurrent modification after %d attempt(s): %v", e.QuoteID, e.Attempts, e.Err)
}

func (e *ConcurrentModificationError) Unwrap() []error {
	return []error{ErrConcurrentModification, e.Err}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input or
// the quote's state rather than infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing quote or product.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

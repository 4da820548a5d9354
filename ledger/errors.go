/*
errors.go - Error taxonomy for settlement operations

PURPOSE:
  Every failure a caller can act on is one of six kinds, each with a
  sentinel for errors.Is and a structured type carrying the details.

ERROR CATEGORIES:
  1. Validation   - malformed or out-of-range input
  2. NotFound     - missing entity
  3. Unauthorized - bad shared secret, wrong owner, non-admin
  4. Conflict     - benign idempotent outcomes (already processed, capacity
                    exceeded, ...). Retried external calls land here.
  5. InsufficientBalance - debit larger than balance
  6. Ineligible   - referral conditions not met

USAGE:
  if ledger.IsConflict(err) {
      // safe to acknowledge, nothing changed
  }
  reason := ledger.ReasonOf(err) // "capacity_exceeded", "insufficient_balance", ...

SEE ALSO:
  - api/errors.go: HTTP status mapping
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
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIneligible          = errors.New("not eligible")

	// ErrInvalidAmount is returned by Credit and Debit for amounts <= 0.
	ErrInvalidAmount = &ValidationError{Field: "amount", Reason: "must be greater than zero"}
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// ConflictReason is the machine-readable kind of a Conflict.
type ConflictReason string

const (
	ReasonAlreadyProcessed        ConflictReason = "already_processed"
	ReasonAlreadyCredited         ConflictReason = "already_credited"
	ReasonCapacityExceeded        ConflictReason = "capacity_exceeded"
	ReasonPendingWithdrawalExists ConflictReason = "pending_withdrawal_exists"
	ReasonAlreadyPaid             ConflictReason = "already_paid"
	ReasonAlreadySubmitted        ConflictReason = "already_submitted"
	ReasonAlreadyReferred         ConflictReason = "already_referred"
)

// ConflictError reports that an operation found its target already past the
// state it acts on. Nothing was changed by the call that returned it, except
// for capacity_exceeded where the submission was auto-rejected.
type ConflictError struct {
	Reason   ConflictReason
	Resource string
	ID       string
	Status   string
}

func (e *ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("conflict: %s (%s %s is %s)", e.Reason, e.Resource, e.ID, e.Status)
	}
	return fmt.Sprintf("conflict: %s (%s %s)", e.Reason, e.Resource, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type EligibilityReason string

const (
	ReasonReferrerNotVerified EligibilityReason = "referrer_not_verified"
	ReasonReferredNotVerified EligibilityReason = "referred_not_verified"
	ReasonInsufficientLinks   EligibilityReason = "insufficient_links"
)

// EligibilityError names the first referral condition that was not met.
type EligibilityError struct {
	Reason EligibilityReason
	UserID UserID
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("not eligible: %s (user %s)", e.Reason, e.UserID)
}

func (e *EligibilityError) Unwrap() error { return ErrIneligible }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for benign idempotent outcomes.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to the caller's input or
// the state of the target rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIneligible)
}

// ReasonOf returns a machine-readable reason for taxonomy errors and
// "internal" for everything else.
func ReasonOf(err error) string {
	var (
		conflict   *ConflictError
		eligible   *EligibilityError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return string(conflict.Reason)
	case errors.As(err, &eligible):
		return string(eligible.Reason)
	case errors.As(err, &validation):
		return "invalid_" + validation.Field
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return "internal"
}

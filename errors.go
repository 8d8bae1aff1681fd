package entitle

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("entitle: not found")
	ErrAlreadyExists = errors.New("entitle: already exists")
	ErrInvalidInput  = errors.New("entitle: invalid input")

	// Resolution and check outcomes
	ErrConfigUnavailable   = errors.New("entitle: config unavailable")
	ErrInsufficientCredits = errors.New("entitle: insufficient credits")
	ErrLimitExceeded       = errors.New("entitle: limit exceeded")
	ErrFeatureDisabled     = errors.New("entitle: feature not enabled")
	ErrStaleWriteConflict  = errors.New("entitle: stale write conflict")
	ErrDuplicateUsageEvent = errors.New("entitle: duplicate usage event")

	// Catalog errors
	ErrPlanNotFound    = errors.New("entitle: plan not found")
	ErrVersionNotFound = errors.New("entitle: plan version not found")
	ErrNoAssignment    = errors.New("entitle: tenant has no plan assignment")
	ErrInvalidTerms    = errors.New("entitle: invalid plan terms")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("entitle: subscription not found")
	ErrInvalidTransition    = errors.New("entitle: invalid subscription transition")
	ErrWebhookNotConfigured = errors.New("entitle: webhook secret not configured")
	ErrWebhookSignature     = errors.New("entitle: webhook signature invalid")
	ErrUnhandledEvent       = errors.New("entitle: unhandled webhook event")

	// Metering errors
	ErrMeterBufferFull = errors.New("entitle: meter buffer full")
	ErrInvalidQuantity = errors.New("entitle: invalid usage quantity")

	// Credits errors
	ErrInvalidAmount      = errors.New("entitle: invalid credit amount")
	ErrTransactionMissing = errors.New("entitle: credit transaction not found")
	ErrBalanceDrift       = errors.New("entitle: balance does not match transaction sum")

	// Engine and store errors
	ErrStoreClosed   = errors.New("entitle: store is closed")
	ErrEngineStopped = errors.New("entitle: engine stopped")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError collects independent failures, such as a flush that commits
// some records and fails others.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred (first: %v)", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds errors, otherwise nil.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrNoAssignment) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrTransactionMissing)
}

// IsDenied reports whether err explains a Deny decision.
func IsDenied(err error) bool {
	return errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrConfigUnavailable)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
// Business outcomes and validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case errors.Is(err, ErrStaleWriteConflict),
		errors.Is(err, ErrMeterBufferFull),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case IsNotFound(err),
		IsDenied(err),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidTerms),
		errors.Is(err, ErrDuplicateUsageEvent),
		errors.Is(err, errStaleEvent),
		errors.Is(err, ErrStoreClosed),
		errors.Is(err, ErrEngineStopped):
		return false
	default:
		// Unclassified store and network failures.
		return true
	}
}

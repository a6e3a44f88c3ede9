package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrProvider        = errors.New("provider error")
	ErrDuplicateSignal = errors.New("signal arrived after terminal state")
	// ErrStoreUnavailable marks transient storage faults; callers may retry.
	ErrStoreUnavailable = errors.New("payment store unavailable")
)

var (
	ErrAttemptNotFound         = errors.New("payment attempt not found")
	ErrUnknownCheckout         = errors.New("unknown checkout id")
	ErrDuplicateCheckout       = errors.New("checkout id already recorded")
	ErrCheckoutAlreadyAssigned = errors.New("checkout id already assigned")
	ErrAlreadyTerminal         = errors.New("payment attempt already terminal")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrUnresolvedAtDeadline    = errors.New("payment attempt not resolved at deadline")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type ProviderErrorKind string

const (
	ProviderAuthFailed  ProviderErrorKind = "auth_failed"
	ProviderRejected    ProviderErrorKind = "rejected"
	ProviderUnreachable ProviderErrorKind = "unreachable"
)

// ProviderError is a failed push. Code and Message come from the provider when it answered.
type ProviderError struct {
	Kind    ProviderErrorKind
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// Result renders the failure as the attempt's terminal result.
func (e *ProviderError) Result() PaymentResult {
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return PaymentResult{Code: code, Message: msg}
}

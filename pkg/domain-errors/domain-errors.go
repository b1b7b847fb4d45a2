package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in business logic terms, not HTTP terms.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_failed"
	CodeInternal           Code = "internal_error"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"

	// Issuance and custody codes
	CodeAlreadyIssued     Code = "credential_already_issued" // Session already produced a credential
	CodeDuplicate         Code = "duplicate_identity"        // Fingerprint already anchored by this issuer
	CodeInvalidState      Code = "invalid_state"             // Session or asset not in the required state
	CodeIntegrity         Code = "integrity_violation"       // Digest, fingerprint or signature mismatch
	CodeInsufficientFunds Code = "insufficient_funds"        // Ledger balance below the required minimum
	CodeUnavailable       Code = "unavailable"               // Retryable infrastructure failure
	CodeRateLimited       Code = "rate_limited"
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across service, store, and other layers.
type Error struct {
	Code    Code
	Message string
	// Hint carries operator-facing remediation, e.g. the balance required to proceed.
	Hint string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// WithHint creates a domain error carrying a remediation hint.
func WithHint(code Code, msg, hint string) error {
	return &Error{Code: code, Message: msg, Hint: hint}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Hint: existing.Hint, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether the failure is operational and safe to retry
// without changing the request.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeUnavailable, CodeTimeout, CodeInsufficientFunds, CodeRateLimited:
		return true
	default:
		return false
	}
}

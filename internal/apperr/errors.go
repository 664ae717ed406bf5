// Package apperr defines the structured error type used across the tool-call
// boundary. Every error leaving the core carries a stable code plus a human
// message; raw internal faults are mapped to internal_error at the boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes shared across components. Policy-specific reason codes
// live in internal/policy next to the rules that emit them.
const (
	CodeConsentRequired         = "consent_required"
	CodeAdvancedConsentRequired = "advanced_consent_required"
	CodeRateLimited             = "rate_limited"

	CodeInvalidConfirmToken       = "invalid_confirm_token"
	CodeExecutionNotFound         = "execution_not_found"
	CodeExecutionAlreadyFinalized = "execution_already_finalized"
	CodeExecutionExpired          = "execution_expired"
	CodeExecutionFailed           = "execution_failed"

	CodeMarketDataNotAcceptable = "marketdata_not_acceptable"
	CodeVenueUnavailable        = "venue_unavailable"

	CodeInvalidRequest      = "invalid_request"
	CodeInvalidOverrideKeys = "invalid_override_keys"
	CodeInternalError       = "internal_error"
)

// Error is a structured error with a stable code and optional detail payload.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With attaches a detail key/value and returns the same error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// From returns err as a structured Error, mapping anything unstructured to
// internal_error so callers never see ambient failures.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// HasCode reports whether err is a structured Error carrying the given code.
func HasCode(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

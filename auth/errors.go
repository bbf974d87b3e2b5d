package auth

import (
	"errors"
	"fmt"
)

// Code identifies a failure class in a machine-readable way.
type Code string

const (
	CodeConfiguration   Code = "configuration_error"
	CodeDiscovery       Code = "discovery_error"
	CodeTokenExchange   Code = "token_exchange_error"
	CodeTokenValidation Code = "token_validation_error"
	CodeStateValidation Code = "state_validation_error"
	CodeSession         Code = "session_error"
)

// Error is the base failure type carried by every auth error. Messages are
// safe to log; provider secrets never appear in Message or Details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail records a key/value pair in the details bag.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewConfigurationError reports missing or invalid settings.
func NewConfigurationError(message string) *Error {
	return newError(CodeConfiguration, message)
}

// NewDiscoveryError reports a failed provider metadata fetch.
func NewDiscoveryError(message string) *Error {
	return newError(CodeDiscovery, message)
}

// NewTokenExchangeError reports a failed code exchange or an explicit
// provider error on the callback.
func NewTokenExchangeError(message string) *Error {
	return newError(CodeTokenExchange, message)
}

// NewTokenValidationError reports a failed ID-token check. Always a
// security-relevant rejection.
func NewTokenValidationError(message string) *Error {
	return newError(CodeTokenValidation, message)
}

// NewStateValidationError reports a state/CSRF mismatch.
func NewStateValidationError(message string) *Error {
	return newError(CodeStateValidation, message)
}

// NewSessionError reports malformed or tampered session state.
func NewSessionError(message string) *Error {
	return newError(CodeSession, message)
}

// CodeOf extracts the failure code, or "" for non-taxonomy errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

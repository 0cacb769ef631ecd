// Package errors provides the typed errors shared by broker adapters and AI providers.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrSessionExpired       = errors.New("session expired")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrBracketIncomplete    = errors.New("stop loss and take profit must be provided together")
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
	ErrUnsupportedOperation = errors.New("operation not supported by broker")
	ErrSymbolNotFound       = errors.New("symbol not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrTimeout              = errors.New("operation timed out")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrCircuitOpen          = errors.New("circuit open")
)

// ConnectionError reports a failure to reach or authenticate with a remote service.
type ConnectionError struct {
	Service string
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error [%s]: %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("connection error [%s]: %s", e.Service, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(service, message string, err error) *ConnectionError {
	return &ConnectionError{
		Service: service,
		Message: message,
		Err:     err,
	}
}

// RequestError reports a request the remote service rejected, or one refused
// locally before it was sent.
type RequestError struct {
	Service    string
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("request error [%s] %s", e.Service, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError creates a new RequestError.
func NewRequestError(service, operation, message string, err error) *RequestError {
	return &RequestError{
		Service:   service,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout [%s]: %v", e.Operation, e.Unwrap())
}

func (e *TimeoutError) Unwrap() error {
	if e.Err == nil {
		return ErrTimeout
	}
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, err error) *TimeoutError {
	return &TimeoutError{Operation: operation, Err: err}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ParseError reports a response that could not be decoded.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error [%s]: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(source string, err error) *ParseError {
	return &ParseError{Source: source, Err: err}
}

// ProviderError represents a failed AI provider call.
type ProviderError struct {
	Provider  string
	Operation string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s] %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, operation string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Operation: operation,
		Err:       err,
	}
}

// NotConnected is the error every adapter returns when used before Connect.
func NotConnected(service string) *ConnectionError {
	return NewConnectionError(service, "adapter is not connected", ErrNotConnected)
}

// Unsupported builds the RequestError for an operation the broker cannot perform.
func Unsupported(service, operation, reason string) *RequestError {
	return NewRequestError(service, operation, reason, ErrUnsupportedOperation)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New re-exported so callers need a single import.
func New(text string) error {
	return errors.New(text)
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Messaging and context error codes
const (
	ErrInvalidTopic   ErrorCode = "INVALID_TOPIC"
	ErrInvalidPattern ErrorCode = "INVALID_PATTERN"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrAlreadyExists  ErrorCode = "ALREADY_EXISTS"
)

// Workflow definition error codes
const (
	ErrCyclicDependency  ErrorCode = "CYCLIC_DEPENDENCY"
	ErrUnknownStep       ErrorCode = "UNKNOWN_STEP"
	ErrInvalidDefinition ErrorCode = "INVALID_DEFINITION"
)

// Execution error codes
const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrStepExecution      ErrorCode = "STEP_EXECUTION_ERROR"
	ErrRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrAgentNotRegistered ErrorCode = "AGENT_NOT_REGISTERED"
)

// Transport error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError finds the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the error code from an error chain. Errors without a
// structured code return "".
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any structured error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// NewNotFoundError creates a NOT_FOUND error for the named resource.
func NewNotFoundError(kind, id string) *Error {
	return Errorf(ErrNotFound, "%s %q not found", kind, id)
}

// NewConflictError creates a retryable CONFLICT error for an optimistic write.
func NewConflictError(key string, expected, actual int64) *Error {
	return Errorf(ErrConflict, "version conflict on %q: expected %d, stored %d", key, expected, actual).
		WithRetryable(true)
}

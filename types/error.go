package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition error codes
const (
	ErrDefinition        ErrorCode = "DEFINITION_ERROR"
	ErrCyclicDependency  ErrorCode = "CYCLIC_DEPENDENCY"
	ErrDanglingReference ErrorCode = "DANGLING_REFERENCE"
	ErrSchemaViolation   ErrorCode = "SCHEMA_VIOLATION"
)

// Phase error codes
const (
	ErrUnresolvedInput         ErrorCode = "UNRESOLVED_INPUT"
	ErrUpstreamValidation      ErrorCode = "UPSTREAM_VALIDATION"
	ErrAgentExecution          ErrorCode = "AGENT_EXECUTION"
	ErrPostconditionFailure    ErrorCode = "POSTCONDITION_FAILURE"
	ErrConcurrentWriteConflict ErrorCode = "CONCURRENT_WRITE_CONFLICT"
	ErrTimeout                 ErrorCode = "TIMEOUT"
	ErrCancelled               ErrorCode = "CANCELLED"
	ErrEscalationFailed        ErrorCode = "ESCALATION_FAILED"
	ErrAgentNotFound           ErrorCode = "AGENT_NOT_FOUND"
	ErrCircuitOpen             ErrorCode = "CIRCUIT_OPEN"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Phase != "" {
		prefix = fmt.Sprintf("[%s] phase %q:", e.Code, e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so package-level sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithPhase names the phase the error belongs to.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

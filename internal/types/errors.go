package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Flightdeck errors.
type ErrorCode string

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Database error codes
const (
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
)

// Queue error codes
const (
	QUEUE_UNAVAILABLE    ErrorCode = "QUEUE_UNAVAILABLE"
	QUEUE_ENQUEUE_FAILED ErrorCode = "QUEUE_ENQUEUE_FAILED"
	QUEUE_CONSUME_FAILED ErrorCode = "QUEUE_CONSUME_FAILED"
	QUEUE_ACK_FAILED     ErrorCode = "QUEUE_ACK_FAILED"
)

// Admission and governance error codes
const (
	QUOTA_EXCEEDED        ErrorCode = "QUOTA_EXCEEDED"
	QUOTA_NOT_CONFIGURED  ErrorCode = "QUOTA_NOT_CONFIGURED"
	BUDGET_EXCEEDED       ErrorCode = "BUDGET_EXCEEDED"
	BUDGET_NOT_CONFIGURED ErrorCode = "BUDGET_NOT_CONFIGURED"
)

// Execution error codes
const (
	TASK_NOT_FOUND        ErrorCode = "TASK_NOT_FOUND"
	TASK_EXECUTION_FAILED ErrorCode = "TASK_EXECUTION_FAILED"
	TASK_PREEMPTED        ErrorCode = "TASK_PREEMPTED"
	RUN_NOT_FOUND         ErrorCode = "RUN_NOT_FOUND"
	RUN_PAUSED            ErrorCode = "RUN_PAUSED"
	EXECUTOR_NOT_FOUND    ErrorCode = "EXECUTOR_NOT_FOUND"
	CHECKPOINT_CORRUPT    ErrorCode = "CHECKPOINT_CORRUPT"
)

// FlightdeckError represents a structured error with error code, message,
// and optional cause. It supports error wrapping and retryability hints
// for error handling logic.
type FlightdeckError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *FlightdeckError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
// This enables using errors.Is() and errors.As() with wrapped errors.
func (e *FlightdeckError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a FlightdeckError with the same Code.
func (e *FlightdeckError) Is(target error) bool {
	var fdErr *FlightdeckError
	if errors.As(target, &fdErr) {
		return e.Code == fdErr.Code
	}
	return false
}

// NewError creates a new non-retryable FlightdeckError with the given code and message.
func NewError(code ErrorCode, message string) *FlightdeckError {
	return &FlightdeckError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     nil,
	}
}

// NewRetryableError creates a new retryable FlightdeckError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., transport timeouts).
func NewRetryableError(code ErrorCode, message string) *FlightdeckError {
	return &FlightdeckError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     nil,
	}
}

// WrapError creates a new non-retryable FlightdeckError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *FlightdeckError {
	return &FlightdeckError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a retryable FlightdeckError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *FlightdeckError {
	return &FlightdeckError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err carries a retryable hint anywhere in its chain.
func IsRetryable(err error) bool {
	var fdErr *FlightdeckError
	if errors.As(err, &fdErr) {
		return fdErr.Retryable
	}
	return false
}

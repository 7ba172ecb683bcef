package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the store.
type ErrorCode string

// Policy error codes
const (
	ErrNoConnectivity ErrorCode = "NO_CONNECTIVITY"
	ErrPolicyBlocked  ErrorCode = "POLICY_BLOCKED"
)

// Transfer error codes
const (
	ErrTransferFailed ErrorCode = "TRANSFER_FAILED"
	ErrStorageFull    ErrorCode = "STORAGE_FULL"
	ErrWriteFailed    ErrorCode = "WRITE_FAILED"
)

// Persistence error codes
const (
	ErrPersistenceCorrupt ErrorCode = "PERSISTENCE_CORRUPT"
)

// Lifecycle error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// ErrTransferClosed reports an operation on a transfer handle that has
// already finished or been cancelled.
var ErrTransferClosed = errors.New("transfer already closed")

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Resumable bool      `json:"resumable"`
	Cause     error     `json:"-"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithResumable marks the error as resumable from a preserved partial file.
func (e *Error) WithResumable(resumable bool) *Error {
	e.Resumable = resumable
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

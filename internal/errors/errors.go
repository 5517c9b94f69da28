// Package errors provides structured error types for the Strata system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryArchival   ErrorCategory = "ARCHIVAL"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryStreaming  ErrorCategory = "STREAMING"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidRecord = "INVALID_RECORD"
	CodeEmptyBatch    = "EMPTY_BATCH"
	CodeInvalidBatch  = "INVALID_BATCH"
	CodeInvalidRange  = "INVALID_RANGE"
	CodeInvalidMetric = "INVALID_METRIC"

	// Storage codes
	CodeTransientStorage = "TRANSIENT_STORAGE"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"

	// Registry codes
	CodePartitionConflict = "PARTITION_CONFLICT"
	CodePartitionNotFound = "PARTITION_NOT_FOUND"
	CodeAlreadySealed     = "ALREADY_SEALED"

	// Archival codes
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeExtractFailed    = "EXTRACT_FAILED"

	// Query codes
	CodeQueryTimeout = "QUERY_TIMEOUT"

	// Streaming codes
	CodeBackpressureExceeded = "BACKPRESSURE_EXCEEDED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StrataError is the structured error type used throughout the system.
type StrataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StrataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StrataError) Is(target error) bool {
	var t *StrataError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StrataError.
func New(category ErrorCategory, code, message string) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StrataError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StrataError) WithDetails(details map[string]interface{}) *StrataError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCategory(err error) ErrorCategory {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCode(err error) string {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable classifies codes by propagation policy: transient conditions
// are absorbed with bounded retries, conflicts are resolved by re-reading
// state, and correctness-threatening conditions are never retried.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeTransientStorage:
		return true
	case category == ErrCategoryRegistry && code == CodePartitionConflict:
		return true
	case category == ErrCategoryQuery && code == CodeQueryTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *StrataError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryStorage, CodeTransientStorage, message, cause)
}

func NewConflictError(message string) *StrataError {
	return New(ErrCategoryRegistry, CodePartitionConflict, message)
}

func NewChecksumError(message string) *StrataError {
	return New(ErrCategoryArchival, CodeChecksumMismatch, message)
}

func NewQueryTimeoutError(message string) *StrataError {
	return New(ErrCategoryQuery, CodeQueryTimeout, message)
}

func NewBackpressureError(message string) *StrataError {
	return New(ErrCategoryStreaming, CodeBackpressureExceeded, message)
}

func NewInternalError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Package errors defines application errors that carry a category code for
// transport mapping.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data or state.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeForeignKey indicates a foreign key constraint violation.
	ErrCodeForeignKey ErrorCode = "foreign_key"
	// ErrCodeUnauthorized indicates a missing or invalid credential.
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// ErrUnauthorized is returned when a trigger or admin credential is missing or wrong.
var ErrUnauthorized = &AppError{Code: ErrCodeUnauthorized, Message: "unauthorized"}

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field is the input field that caused the error, when known.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsUnauthorized checks if an error is an Unauthorized error.
func IsUnauthorized(err error) bool { return isCode(err, ErrCodeUnauthorized) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

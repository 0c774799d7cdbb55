// Package apperrors defines the coded error taxonomy returned by the
// lifecycle engine. All expected business-rule violations are one of the
// four recoverable kinds (validation, permission, state, not-found); only
// persistence failures map to the internal code.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for the HTTP layer.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodePermission Code = "PERMISSION_ERROR"
	CodeState      Code = "STATE_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeInternal   Code = "INTERNAL_ERROR"
)

// Error is a coded, optionally wrapped error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two coded errors by code, so callers can compare against
// sentinel-style values with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a missing or malformed field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// PermissionDenied reports an actor lacking ownership, role or time-window rights.
func PermissionDenied(message string) *Error {
	return &Error{Code: CodePermission, Message: message}
}

// InvalidState reports a transition requested from an incompatible state.
func InvalidState(message string) *Error {
	return &Error{Code: CodeState, Message: message}
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePermission:
		return http.StatusForbidden
	case CodeState:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Package apierr defines the controller-wide error taxonomy and its
// mapping to HTTP status codes (see spec.md §7).
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of error in the taxonomy.
type Code string

const (
	Validation         Code = "validation-error"
	NotFound           Code = "not-found"
	Conflict           Code = "conflict"
	ComputeUnreachable Code = "compute-unreachable"
	DriverError        Code = "driver-error"
	Timeout            Code = "timeout"
	Internal           Code = "internal"
)

var statusByCode = map[Code]int{
	Validation:         http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	Conflict:           http.StatusConflict,
	ComputeUnreachable: http.StatusServiceUnavailable,
	DriverError:        http.StatusInternalServerError,
	Timeout:            http.StatusGatewayTimeout,
	Internal:           http.StatusInternalServerError,
}

// Error is a typed error carrying its HTTP mapping. Components return
// Error upward; only the outermost request handler converts it to an
// HTTP response.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this error's taxonomy class.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// NotFoundf builds a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// Conflictf builds a conflict error with a formatted message.
func Conflictf(format string, args ...interface{}) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for any error, defaulting to 500 when
// the error doesn't carry taxonomy information.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// CodeOf returns the taxonomy code for any error, defaulting to Internal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}

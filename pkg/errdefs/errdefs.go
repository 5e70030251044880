package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error class. Codes appear verbatim in
// API error envelopes and event payloads.
type Code string

const (
	CodeValidation         Code = "Validation"
	CodeUnauthorized       Code = "Unauthorized"
	CodeForbidden          Code = "Forbidden"
	CodeNotFound           Code = "NotFound"
	CodeConflict           Code = "Conflict"
	CodeRateLimited        Code = "RateLimited"
	CodeTimeout            Code = "Timeout"
	CodeCanceled           Code = "Canceled"
	CodeBackendError       Code = "BackendError"
	CodeTransportFailure   Code = "TransportFailure"
	CodeBreakerOpen        Code = "BreakerOpen"
	CodeNoServiceAvailable Code = "NoServiceAvailable"
	CodeOverloaded         Code = "Overloaded"
	CodeInternal           Code = "Internal"
)

// recoverableCodes marks classes callers may retry.
var recoverableCodes = map[Code]bool{
	CodeTimeout:          true,
	CodeRateLimited:      true,
	CodeTransportFailure: true,
	CodeOverloaded:       true,
}

// Error is the gateway's coded error. It wraps an optional cause and carries
// structured metadata for API responses.
type Error struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Meta        map[string]any `json:"meta,omitempty"`
	Recoverable bool           `json:"recoverable,omitempty"`

	cause error
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: recoverableCodes[code]}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error around a cause. The cause stays reachable via
// errors.Is and errors.As.
func Wrap(err error, code Code, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

// Wrapf creates a coded error around a cause with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil && e.cause.Error() != msg {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the cause for errors.Is and errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, so errors.Is(err, errdefs.New(code, ""))
// style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithMeta attaches one metadata entry and returns the error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// CodeOf returns the code of the first *Error in the chain, CodeCanceled or
// CodeTimeout for bare context errors, and CodeInternal otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRecoverable reports whether the error class is safe to retry.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return recoverableCodes[CodeOf(err)]
}

// FromError normalizes any error into a coded *Error. Context errors map to
// Timeout and Canceled; everything uncoded becomes Internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	code := CodeOf(err)
	out := New(code, err.Error())
	out.cause = err
	return out
}

// HTTPStatus maps an error to the status code the HTTP surface returns for
// it.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNoServiceAvailable, CodeBreakerOpen, CodeOverloaded, CodeTransportFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

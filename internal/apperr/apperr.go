// Package apperr defines the structured error type used across the
// pipeline: a typed kind, a stable HTTP status, and an optional wrapped
// cause. Handlers translate these into the response shapes in the spec's
// error handling design; they never leak a stack trace to the caller.
package apperr

import (
	"fmt"
	"net/http"
)

// ErrorType names one of the error kinds from the error handling design.
type ErrorType string

const (
	Transient          ErrorType = "transient"
	PermanentItem      ErrorType = "permanent_item"
	PermanentPartition ErrorType = "permanent_partition"
	FatalRun           ErrorType = "fatal_run"
	Validation         ErrorType = "validation"
	NotFound           ErrorType = "not_found"
	Conflict           ErrorType = "conflict"
	ServiceUnavailable ErrorType = "service_unavailable"
	Internal           ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	Validation:         http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	Conflict:           http.StatusConflict,
	ServiceUnavailable: http.StatusServiceUnavailable,
	Transient:          http.StatusInternalServerError,
	PermanentItem:      http.StatusInternalServerError,
	PermanentPartition: http.StatusInternalServerError,
	FatalRun:           http.StatusInternalServerError,
	Internal:           http.StatusInternalServerError,
}

// AppError is the structured error carried through the pipeline.
type AppError struct {
	Type       ErrorType
	Message    string
	statusCode int
	Details    map[string]interface{}
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, statusCode: statusByType[t]}
}

func Wrap(err error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, statusCode: statusByType[t], Cause: err}
}

func Wrapf(err error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(err, t, fmt.Sprintf(format, args...))
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(key, format string, args ...interface{}) *AppError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP status for this error's type, manual-command
// hints for ServiceUnavailable handled by the caller (§7).
func (e *AppError) StatusCode() int {
	if e.statusCode != 0 {
		return e.statusCode
	}
	return http.StatusInternalServerError
}

// Is allows errors.Is(err, apperr.New(Type, "")) style type comparisons.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == other.Type
}

package ratelimit

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeAnalytics          ErrorCode = "ANALYTICS"
)

// Error is a typed engine error. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

var (
	// ErrValidation is returned for bad caller input; nothing was evaluated.
	ErrValidation = &Error{Code: CodeValidation, Message: "validation failed"}
	// ErrBackendUnavailable means the decision could not be computed.
	ErrBackendUnavailable = &Error{Code: CodeBackendUnavailable, Message: "backend unavailable"}
	// ErrAnalytics marks a failed offender analytics operation.
	ErrAnalytics = &Error{Code: CodeAnalytics, Message: "analytics failed"}
)

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a store failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return &Error{Code: CodeBackendUnavailable, Message: "backend unavailable", Err: err}
}

// Analytics wraps an offender analytics failure.
func Analytics(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeAnalytics, Message: "analytics " + op, Err: err}
}

// CodeOf returns the ErrorCode for an error, or "" if it carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

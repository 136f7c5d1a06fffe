package session

import (
	"errors"
	"fmt"
)

// Code classifies engine rejections. Every code is recoverable at the caller.
type Code string

const (
	CodeCapacityInvalid      Code = "CAPACITY_INVALID"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionFull          Code = "SESSION_FULL"
	CodeSessionAlreadyActive Code = "SESSION_ALREADY_ACTIVE"
	CodeSessionEnded         Code = "SESSION_ENDED"
	CodeNotHost              Code = "NOT_HOST"
	CodeInsufficientPlayers  Code = "INSUFFICIENT_PLAYERS"
	CodeStaleOperation       Code = "STALE_OPERATION"
	CodeTooManyConflicts     Code = "TOO_MANY_CONFLICTS"
	CodeInvalidOperation     Code = "INVALID_OPERATION"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeTimeout              Code = "TIMEOUT"
	CodeInternal             Code = "INTERNAL"
)

// Error is a typed rejection. errors.Is matches any *Error with the same code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrCapacityInvalid      = &Error{Code: CodeCapacityInvalid}
	ErrSessionNotFound      = &Error{Code: CodeSessionNotFound}
	ErrSessionFull          = &Error{Code: CodeSessionFull}
	ErrSessionAlreadyActive = &Error{Code: CodeSessionAlreadyActive}
	ErrSessionEnded         = &Error{Code: CodeSessionEnded}
	ErrNotHost              = &Error{Code: CodeNotHost}
	ErrInsufficientPlayers  = &Error{Code: CodeInsufficientPlayers}
	ErrStaleOperation       = &Error{Code: CodeStaleOperation}
	ErrTooManyConflicts     = &Error{Code: CodeTooManyConflicts}
	ErrInvalidOperation     = &Error{Code: CodeInvalidOperation}
	ErrUnauthorized         = &Error{Code: CodeUnauthorized}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrInternal             = &Error{Code: CodeInternal}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternal
}

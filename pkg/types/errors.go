package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an operation failure for the caller.
type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "invalid_argument"  // malformed or out-of-enum input
	CodeNotFound         ErrorCode = "not_found"         // referenced agent/task does not exist
	CodeConflict         ErrorCode = "conflict"          // duplicate guard or lost write race
	CodeCapacityExceeded ErrorCode = "capacity_exceeded" // agent ceiling reached
	CodeInternal         ErrorCode = "internal"          // store or transport failure
)

// Error is a coded error surfaced through the response envelope.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two coded errors by code, so callers can test against a
// bare &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, defaulting to internal for uncoded errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

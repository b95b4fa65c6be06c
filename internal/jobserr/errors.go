package jobserr

import (
	"errors"
	"fmt"
)

// Code is the short machine-readable identifier attached to every surfaced error.
type Code string

const (
	CodeValidation       Code = "validation_error"
	CodeAlreadyActive    Code = "already_active"
	CodeStoreUnavailable Code = "store_unavailable"
	CodePermissionDenied Code = "permission_denied"
	CodeRemoteJob        Code = "remote_job_error"
	CodeNotFound         Code = "not_found"
	CodeRateLimited      Code = "rate_limited"
	CodeNotActive        Code = "not_active"
)

// Sentinels for errors.Is. A *Error matches the sentinel sharing its code.
var (
	ErrValidation       = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrAlreadyActive    = &Error{Code: CodeAlreadyActive, Message: "a job is already in progress"}
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable, Message: "job store unavailable"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrRemoteJob        = &Error{Code: CodeRemoteJob, Message: "job failed"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "record not found"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "too many submissions"}
	ErrNotActive        = &Error{Code: CodeNotActive, Message: "no active job"}
)

// Error is a domain error with a code, a human description and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error for code with a description.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches code and message to cause. A nil cause yields nil.
func Wrap(code Code, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation builds a validation error from a describing cause.
func Validation(cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: CodeValidation, Message: cause.Error()}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the human description of err without the code prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether re-invoking the failed operation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

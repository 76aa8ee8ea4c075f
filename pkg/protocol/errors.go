package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway errors. Every error that crosses a component
// boundary carries one of these kinds; the HTTP layer maps kinds to status
// codes in exactly one place.
type ErrorKind string

const (
	KindAuthMissing         ErrorKind = "auth_missing"
	KindAuthInvalid         ErrorKind = "auth_invalid"
	KindAuthForbidden       ErrorKind = "auth_forbidden"
	KindNotFound            ErrorKind = "not_found"
	KindValidation          ErrorKind = "validation"
	KindConflict            ErrorKind = "conflict"
	KindContextLimit        ErrorKind = "context_limit"
	KindModelNotFound       ErrorKind = "model_not_found"
	KindProviderDisabled    ErrorKind = "provider_disabled"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindToolNotFound        ErrorKind = "tool_not_found"
	KindToolUnavailable     ErrorKind = "tool_unavailable"
	KindToolError           ErrorKind = "tool_error"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindInternal            ErrorKind = "internal"
)

// Error is the tagged error type used across component boundaries.
type Error struct {
	Kind    ErrorKind              `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a tagged error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a tagged error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error without losing it for errors.Is/As.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured detail to the error and returns it.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain. Untagged errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error class is worth retrying.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindStoreUnavailable:
		return true
	}
	return false
}

// Package errs defines the business-rule errors surfaced to callers.
//
// Transport and authentication failures never reach this package: provider
// adapters log them and return negative results. What remains are conditions
// a caller can present to a user, such as a copy onto an existing target.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a business error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindUnmapped
	KindInvalidInput
	KindOperationFailed
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindUnmapped:
		return "unmapped"
	case KindInvalidInput:
		return "invalid_input"
	case KindOperationFailed:
		return "operation_failed"
	case KindLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Error is a typed business error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }
func IsUnmapped(err error) bool      { return KindOf(err) == KindUnmapped }
func IsInvalidInput(err error) bool  { return KindOf(err) == KindInvalidInput }
func IsLocked(err error) bool        { return KindOf(err) == KindLocked }

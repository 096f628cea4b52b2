package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindPermissionDenied
	KindOsError
	KindParseError
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindInvalidInput:     "invalid input",
	KindPermissionDenied: "permission denied",
	KindOsError:          "os error",
	KindParseError:       "parse error",
	KindNotFound:         "not found",
}

func (k Kind) String() string {
	name, found := kindNames[k]
	if !found {
		return kindNames[KindUnknown]
	}
	return name
}

// Error is a failure of a known kind. Cause is the underlying OS or library error, if any.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
}

func (e *Error) Cause() error {
	return e.cause
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func InvalidInput(format string, args ...interface{}) error {
	return newError(KindInvalidInput, nil, format, args...)
}

func PermissionDenied(format string, args ...interface{}) error {
	return newError(KindPermissionDenied, nil, format, args...)
}

// OsError keeps the OS-provided text of cause in the error message.
func OsError(cause error, format string, args ...interface{}) error {
	return newError(KindOsError, cause, format, args...)
}

func ParseError(format string, args ...interface{}) error {
	return newError(KindParseError, nil, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

func IsInvalidInput(err error) bool {
	return KindOf(err) == KindInvalidInput
}

func IsPermissionDenied(err error) bool {
	return KindOf(err) == KindPermissionDenied
}

func IsOsError(err error) bool {
	return KindOf(err) == KindOsError
}

func IsParseError(err error) bool {
	return KindOf(err) == KindParseError
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the runner.
type ErrorKind string

const (
	KindForbidden           ErrorKind = "forbidden"
	KindCompile             ErrorKind = "compile_error"
	KindRuntime             ErrorKind = "runtime_error"
	KindTimeout             ErrorKind = "timeout"
	KindCapacityExceeded    ErrorKind = "capacity_exceeded"
	KindGatewayUnavailable  ErrorKind = "gateway_unavailable"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindUnsupportedLanguage ErrorKind = "unsupported_language"
	KindInternal            ErrorKind = "internal_error"
)

var (
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded, Message: "session pool is at capacity"}
	ErrUnsupportedLanguage = &Error{Kind: KindUnsupportedLanguage, Message: "unsupported language"}
	ErrGatewayUnavailable  = &Error{Kind: KindGatewayUnavailable, Message: "execution gateway unavailable"}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse, Message: "malformed gateway response"}
)

// Error is a classified runner error. Two Errors match under errors.Is when
// their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps cause with a kind and message.
func WrapError(cause error, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

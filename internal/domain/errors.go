package domain

import "fmt"

// ErrorKind discriminates engine errors so callers can branch without
// string matching.
type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "invalid_input"
	KindTenantUnknown         ErrorKind = "tenant_unknown"
	KindTenantBusy            ErrorKind = "tenant_busy"
	KindTimeout               ErrorKind = "timeout"
	KindStaleGeneration       ErrorKind = "stale_generation"
	KindIncompatibleSnapshot  ErrorKind = "incompatible_snapshot"
	KindInternalInconsistency ErrorKind = "internal_inconsistency"
)

// Error is the typed error surfaced by the engine. It wraps an optional
// cause and is errors.Is/errors.As compatible.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, &domain.Error{Kind: domain.KindTenantBusy}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errf builds an engine error with a formatted message.
func Errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an engine error around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind of err if it is (or wraps) an engine
// error, or "" otherwise.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Package merrors declares the error taxonomy of the forwarding pipeline
// as typed errors, each carrying a Kind/EntityType/Title/Message so the
// Control API can dispatch on Kind alone.
package merrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's semantic buckets, independent of
// the concrete type — used for retry classification and HTTP status
// mapping.
type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindNotFound       Kind = "NOT_FOUND"
	KindBreakerOpen    Kind = "BREAKER_OPEN"
	KindShuttingDown   Kind = "SHUTTING_DOWN"
	KindTransient      Kind = "TRANSIENT"
	KindAuth           Kind = "AUTH"
	KindInternal       Kind = "INTERNAL"
)

// Error is the single concrete error type for the taxonomy. EntityType
// names what the error is about (a tenant id, a route, a field); Err wraps
// the underlying cause when there is one.
type Error struct {
	Kind       Kind
	EntityType string
	Title      string
	Message    string
	Err        error
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Kind)
}

func (e Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBreakerOpen) work against a wrapped Error of
// the matching Kind, without requiring identical EntityType/Message.
func (e Error) Is(target error) bool {
	var t Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}

	return false
}

// Sentinel values for errors.Is comparisons; each carries a Kind and a
// Title, and Is matches on Kind alone, so call sites can do
// `errors.Is(err, merrors.ErrBreakerOpen)`.
var (
	ErrInvalidRequest = Error{Kind: KindInvalidRequest, Title: "invalid request"}
	ErrNotFound       = Error{Kind: KindNotFound, Title: "not found"}
	ErrBreakerOpen    = Error{Kind: KindBreakerOpen, Title: "circuit breaker open"}
	ErrShuttingDown   = Error{Kind: KindShuttingDown, Title: "pool shutting down"}
	ErrTransient      = Error{Kind: KindTransient, Title: "transient failure"}
	ErrAuth           = Error{Kind: KindAuth, Title: "authentication failure"}
	ErrInternal       = Error{Kind: KindInternal, Title: "internal error"}
)

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) Error {
	base := baseFor(kind)
	base.Message = fmt.Sprintf(format, args...)

	return base
}

// Wrap attaches err as the cause of a new Error of the given kind.
func Wrap(kind Kind, entityType string, err error) Error {
	base := baseFor(kind)
	base.EntityType = entityType
	base.Err = err

	return base
}

func baseFor(kind Kind) Error {
	switch kind {
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindNotFound:
		return ErrNotFound
	case KindBreakerOpen:
		return ErrBreakerOpen
	case KindShuttingDown:
		return ErrShuttingDown
	case KindTransient:
		return ErrTransient
	case KindAuth:
		return ErrAuth
	default:
		return ErrInternal
	}
}

// IsRetryable classifies an outcome as retryable per the forward stage's
// retry policy. Kept as a pure function of the error so the decision is
// explicit at every call site instead of hidden behind control flow.
func IsRetryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}

	return false
}

// IsAuthFailure reports whether err is the 401/403-class failure that
// triggers credential invalidation and a bonus retry.
func IsAuthFailure(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Kind == KindAuth
	}

	return false
}

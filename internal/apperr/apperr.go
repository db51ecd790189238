// Package apperr defines the error kinds shared by services, the realtime
// hub and the HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrTransient       = errors.New("temporarily unavailable")
	ErrRateLimited     = errors.New("too many requests")
)

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }

func Unauthenticated(msg string) error { return &Error{Kind: ErrUnauthenticated, Msg: msg} }

func Forbidden(msg string) error { return &Error{Kind: ErrForbidden, Msg: msg} }

func NotFound(msg string) error { return &Error{Kind: ErrNotFound, Msg: msg} }

func InvalidState(msg string) error { return &Error{Kind: ErrInvalidState, Msg: msg} }

func RateLimited(msg string) error { return &Error{Kind: ErrRateLimited, Msg: msg} }

// Transient wraps a store or cache failure. The cause is logged, never shown to clients.
func Transient(op string, cause error) error {
	return &Error{Kind: ErrTransient, Msg: op, Cause: cause}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text that may be shown to the client.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != ErrTransient && ae.Msg != "" {
		return ae.Msg
	}
	switch {
	case errors.Is(err, ErrTransient):
		return "service temporarily unavailable"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid request"
	default:
		return "internal error"
	}
}

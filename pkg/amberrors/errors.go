// Package amberrors defines the error taxonomy shared by every request
// surface. Components wrap their failures in an *Error carrying a Kind;
// the HTTP layer maps kinds to status codes and envelope error codes.
package amberrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary mapping.
type Kind string

// Error kinds.
const (
	// KindValidation is returned for malformed input.
	KindValidation Kind = "validation_error"

	// KindUnauthorized is returned when credentials are missing, invalid or
	// expired. It never distinguishes "not found" from "bad credential".
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden is returned on policy denial.
	KindForbidden Kind = "forbidden"

	// KindToolNotAllowed is returned when a tool is outside the client's
	// effective catalog or denied by policy.
	KindToolNotAllowed Kind = "tool_not_allowed"

	// KindNotFound is returned when an entity or route does not exist.
	KindNotFound Kind = "not_found"

	// KindConflict is returned for profile mismatch on session reuse,
	// duplicate subscriptions and concurrent catalog reloads.
	KindConflict Kind = "conflict"

	// KindRateLimited is returned when a source IP exceeds its window.
	KindRateLimited Kind = "rate_limited"

	// KindCapacityExceeded is returned when a per-user or global instance
	// cap would be breached.
	KindCapacityExceeded Kind = "capacity_exceeded"

	// KindTimeout is returned when a backend request deadline fires.
	KindTimeout Kind = "timeout"

	// KindCanceled is returned when a pending request is canceled by a
	// connection stop.
	KindCanceled Kind = "canceled"

	// KindPeerError is returned for downstream JSON-RPC errors and
	// malformed responses.
	KindPeerError Kind = "peer_error"

	// KindResponseTooLarge is returned when a backend response exceeds the
	// configured size caps.
	KindResponseTooLarge Kind = "response_too_large"

	// KindOverloaded is returned when a connection's pending-request table
	// is full.
	KindOverloaded Kind = "overloaded"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is the typed application error.
type Error struct {
	// Kind classifies the error.
	Kind Kind

	// Message is safe to surface to the caller of the failing surface.
	Message string

	// Details optionally carries redacted diagnostics for admin surfaces.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches redacted diagnostics and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// PublicCode returns the wire error code: the kind, unless the details
// carry a more specific "code".
func (e *Error) PublicCode() string {
	if c, ok := e.Details["code"].(string); ok {
		return c
	}
	return string(e.Kind)
}

// KindOf extracts the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindToolNotAllowed:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCapacityExceeded, KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout, KindCanceled:
		return http.StatusGatewayTimeout
	case KindPeerError, KindResponseTooLarge:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message callers may see. Internal errors get a
// generic message so internals never leak to user surfaces.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

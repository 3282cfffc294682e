// Package ferrors defines Formation's error taxonomy: a small set of kinds
// shared by every component, each mapped to an HTTP status so datastore,
// agent gateway, and CLI callers can react consistently regardless of
// which component raised the error.
package ferrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independent of which component produced it.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindInvalidQuery  Kind = "invalid_query"
	KindConflict      Kind = "conflict"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindRateLimited   Kind = "rate_limited"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
	KindAlreadyExists Kind = "already_exists"
	// KindFatal marks an invariant violation in our own state (spec §7):
	// the affected resource is marked needs-intervention and automatic
	// recovery against it halts.
	KindFatal Kind = "fatal"
)

var statusByKind = map[Kind]int{
	KindNotFound:      http.StatusNotFound,
	KindInvalidQuery:  http.StatusBadRequest,
	KindConflict:      http.StatusConflict,
	KindUnauthorized:  http.StatusUnauthorized,
	KindForbidden:     http.StatusForbidden,
	KindRateLimited:   http.StatusTooManyRequests,
	KindUnavailable:   http.StatusServiceUnavailable,
	KindInternal:      http.StatusInternalServerError,
	KindAlreadyExists: http.StatusConflict,
	KindFatal:         http.StatusInternalServerError,
}

// Error is a Kind-tagged error carrying an operator-facing message and an
// optional wrapped cause.
type Error struct {
	Kind          Kind
	Message       string
	Cause         error
	Details       map[string]any
	Path          string
	CorrelationID string
}

// WithDetails attaches structured details to e, returning e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithPath attaches the request path that produced e, returning e for
// chaining.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCorrelationID attaches a correlation id for cross-component tracing,
// returning e for chaining.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for e's Kind, defaulting to 500.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound is a convenience constructor for the common not-found case.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// InvalidQuery is a convenience constructor for malformed/rejected requests.
func InvalidQuery(message string) *Error { return New(KindInvalidQuery, message) }

// KindOf extracts the Kind from err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status to report for err.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// body is the JSON shape mandated by spec §6: {error, message, details,
// path, correlation_id?}.
type body struct {
	Error         Kind           `json:"error"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Path          string         `json:"path,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// WriteJSON writes an HTTP response carrying err's status and the
// structured JSON error body. If r is non-nil and err carries no explicit
// Path, the request's URL path is used.
func WriteJSON(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	kind := KindOf(err)
	b := body{Error: kind, Message: err.Error()}

	var e *Error
	if errors.As(err, &e) {
		b.Message = e.Message
		b.Details = e.Details
		b.Path = e.Path
		b.CorrelationID = e.CorrelationID
	}
	if b.Path == "" && r != nil {
		b.Path = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(b)
}

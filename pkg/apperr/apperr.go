// Package apperr defines the error taxonomy shared by the gateway: every
// error that crosses the API boundary is one of these kinds, so handlers can
// map errors to HTTP responses without inspecting free-form strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindValidation is malformed input. Clients get the message, never a
	// stack trace.
	KindValidation Kind = iota
	// KindNotFound is a missing record.
	KindNotFound
	// KindConflict is a duplicate in-flight operation.
	KindConflict
	// KindUpstreamUnavailable is a compute service that is unreachable or
	// timed out. Details carry the upstream error text for operators.
	KindUpstreamUnavailable
	// KindUpstreamTimeout is a compute call that exceeded its deadline.
	KindUpstreamTimeout
	// KindInternal is everything unexpected. Clients get a generic message;
	// the full error is logged server-side.
	KindInternal
)

// Error is a typed application error with an optional operator-facing detail.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// UpstreamUnavailable wraps a failed compute call. The underlying error text
// goes into Details for operator diagnosis, not for end-user action.
func UpstreamUnavailable(message string, err error) *Error {
	e := &Error{Kind: KindUpstreamUnavailable, Message: message, Err: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// UpstreamTimeout wraps a compute call that hit its deadline.
func UpstreamTimeout(message string, err error) *Error {
	e := &Error{Kind: KindUpstreamTimeout, Message: message, Err: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// Internal wraps an unexpected error. The wrapped error is for logs only.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// As extracts a typed error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Package apperr defines the error taxonomy shared by the HTTP handlers
// and the pipeline loops. Handlers map kinds to HTTP status codes; only
// client-facing kinds surface their message verbatim, everything else is
// logged in full and answered with a generic message.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for HTTP mapping and logging.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	NotFound
	Validation
	Store
	Provider
	QueueClosed
)

var kindNames = [...]string{
	Internal:     "internal",
	BadRequest:   "bad_request",
	Unauthorized: "unauthorized",
	NotFound:     "not_found",
	Validation:   "validation",
	Store:        "store",
	Provider:     "provider",
	QueueClosed:  "queue_closed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "internal"
	}
	return kindNames[k]
}

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest, Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether the error message is safe to return to the
// caller verbatim. Internal detail (SQL, provider SDK errors) is not.
func (k Kind) Public() bool {
	switch k {
	case BadRequest, Validation, NotFound, Unauthorized:
		return true
	default:
		return false
	}
}

// Error is a classified error with an operator-facing message and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Message returns the public-safe message for an error: the classified
// message for public kinds, a generic one otherwise.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind.Public() {
		return ae.Msg
	}
	return "An internal error occurred"
}

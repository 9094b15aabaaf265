// Package apperr defines the error kinds surfaced to API callers and their
// stable codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

type Kind int

const (
	Internal Kind = iota
	BadRequest
	Validation
	Unauthorized
	Forbidden
	NotFound
	Conflict
	Unavailable
)

var kinds = map[Kind]struct {
	status int
	code   string
	msgKey string
}{
	Internal:     {http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "error.internal"},
	BadRequest:   {http.StatusBadRequest, "BAD_REQUEST", "error.bad_request"},
	Validation:   {http.StatusUnprocessableEntity, "VALIDATION_ERROR", "error.validation"},
	Unauthorized: {http.StatusUnauthorized, "UNAUTHORIZED", "error.unauthorized"},
	Forbidden:    {http.StatusForbidden, "FORBIDDEN", "error.forbidden"},
	NotFound:     {http.StatusNotFound, "NOT_FOUND", "error.not_found"},
	Conflict:     {http.StatusConflict, "CONFLICT", "error.conflict"},
	Unavailable:  {http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "error.unavailable"},
}

// Status is the HTTP status for k.
func (k Kind) Status() int { return kinds[k].status }

// Code is the default stable code for k.
func (k Kind) Code() string { return kinds[k].code }

// MessageKey is the translation key of the generic message for k.
func (k Kind) MessageKey() string { return kinds[k].msgKey }

// Retryable reports whether a caller may retry the same request.
func (k Kind) Retryable() bool { return k == Unavailable }

// Error is an error classified for API responses.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a stack trace.
func New(kind Kind, msg string) error {
	return pkgerrors.WithStack(&Error{Kind: kind, Code: kind.Code(), Message: msg})
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err, keeping it as the cause.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(&Error{Kind: kind, Code: kind.Code(), Message: msg, Err: err})
}

// WithCode overrides the stable code of a classified error.
func WithCode(err error, code string) error {
	var e *Error
	if errors.As(err, &e) {
		e.Code = code
	}
	return err
}

// From extracts the classified error from err. Unclassified errors are
// reported as Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Code: Internal.Code(), Err: err}
}

// KindOf returns the kind of err.
func KindOf(err error) Kind { return From(err).Kind }

// Detail renders err with its cause chain and stack, for non-production responses.
func Detail(err error) string {
	return fmt.Sprintf("%+v", err)
}

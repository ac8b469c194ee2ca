// Package apperr classifies errors into the service error taxonomy and maps
// them to HTTP statuses.
//
// Domain packages declare sentinel *Error values with New and wrap them with
// go-faster/errors as they propagate. Classification walks the chain, so a
// wrapped sentinel keeps its kind and stable code.
package apperr

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
)

// Kind is a coarse error class. Callers branch on the kind, clients branch on
// the code.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindState      Kind = "state"
	KindExternal   Kind = "external"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Error is a classified, caller-visible error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Status overrides the default HTTP status of Kind when non-zero.
	Status int
}

// New returns a classified error. It is meant for package-level sentinels.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithStatus returns a copy of e that maps to the given HTTP status. The copy
// is a distinct sentinel, assign it once at package level.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

func (e *Error) Error() string { return e.Message }

// External marks err as a failure of an external collaborator (renderer,
// SMTP, payment provider). The original error stays in the chain.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &externalError{service: service, err: err}
}

type externalError struct {
	service string
	err     error
}

func (e *externalError) Error() string { return e.service + ": " + e.err.Error() }
func (e *externalError) Unwrap() error { return e.err }

// kinder is satisfied by typed domain errors that classify themselves.
type kinder interface {
	error
	Kind() Kind
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindTimeout
	}
	var ee *externalError
	if errors.As(err, &ee) {
		return KindExternal
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or the kind when err carries none.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return string(KindOf(err))
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternal, KindTimeout:
		return true
	default:
		return false
	}
}

var kindToStatus = map[Kind]int{
	KindValidation: http.StatusBadRequest,
	KindNotFound:   http.StatusNotFound,
	KindConflict:   http.StatusConflict,
	KindState:      http.StatusConflict,
	KindExternal:   http.StatusBadGateway,
	KindTimeout:    http.StatusServiceUnavailable,
	KindInternal:   http.StatusInternalServerError,
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	if s, ok := kindToStatus[KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// PublicMessage returns a message safe to show to clients. Internal errors
// are reported opaquely.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	var k kinder
	if errors.As(err, &k) && k.Kind() != KindInternal {
		return k.Error()
	}
	switch KindOf(err) {
	case KindTimeout:
		return "request timed out, retry later"
	case KindExternal:
		return "upstream service failure, retry later"
	default:
		return "internal error"
	}
}

// Package apperr defines the error taxonomy shared by the storage, chat and API layers.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindPermissionDenied
	KindConflict
	KindTransient
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "internal"
	}
}

// Error is an error with a Kind and a message that is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind onto a response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func InvalidArgument(msg string) *Error {
	return New(KindInvalidArgument, msg)
}

func NotFound(msg string) *Error {
	return New(KindNotFound, msg)
}

// Forbidden never carries details about the resource.
func Forbidden() *Error {
	return New(KindPermissionDenied, "Access denied")
}

func Conflict(msg string) *Error {
	return New(KindConflict, msg)
}

func Unauthenticated(msg string) *Error {
	return New(KindUnauthenticated, msg)
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "Temporarily unavailable, retry later", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: err}
}

// KindOf returns the Kind of err. Context deadlines count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// From converts any error into an *Error, keeping existing classifications.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	return Internal(err)
}

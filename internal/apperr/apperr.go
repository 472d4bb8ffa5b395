// Package apperr defines the error taxonomy shared by the ledger, the tool
// dispatcher and the HTTP transport.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL"
	KindSessionExpired    Kind = "SESSION_EXPIRED"
	KindUnsupported       Kind = "UNSUPPORTED"
	KindAuth              Kind = "AUTH"
)

// Error is a classified error. Code is a stable machine-readable identifier
// (e.g. "NO_ACCOUNT"), Message is safe to show to an end user.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(cause error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// KindOf returns the Kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or "INTERNAL" when err is not classified.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return string(KindInternal)
}

// HTTPStatus maps a Kind onto the status code used by the transport.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	case KindUnsupported:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

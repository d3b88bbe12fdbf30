// Package apperr defines the error taxonomy shared by the sync and
// notification components.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfigurationMissing Kind = "configuration_missing"
	KindUnreachable          Kind = "unreachable"
	KindUnauthorized         Kind = "unauthorized"
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindStoreFailure         Kind = "store_failure"
)

var (
	ErrConfigurationMissing = errors.New("live backend not configured")
	ErrUnreachable          = errors.New("live backend unreachable")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrStoreFailure         = errors.New("store failure")
)

var sentinels = map[Kind]error{
	KindConfigurationMissing: ErrConfigurationMissing,
	KindUnreachable:          ErrUnreachable,
	KindUnauthorized:         ErrUnauthorized,
	KindValidation:           ErrValidation,
	KindNotFound:             ErrNotFound,
	KindStoreFailure:         ErrStoreFailure,
}

// Error carries a Kind together with the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

func Unauthorized(op string) *Error {
	return New(KindUnauthorized, op, "invalid secret")
}

func NotFound(op, what string) *Error {
	return New(KindNotFound, op, what+" not found")
}

func Store(op string, err error) *Error {
	return Wrap(KindStoreFailure, op, err)
}

func Unreachable(op string, err error) *Error {
	return Wrap(KindUnreachable, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code returned by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Package errors provides structured API errors with HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/attendsync/attendsync/internal/domain"
)

type ErrorType string

const (
	TypeValidation ErrorType = "validation"
	TypeNotFound   ErrorType = "not_found"
	TypeConflict   ErrorType = "conflict"
	TypeForbidden  ErrorType = "forbidden"
	TypeInternal   ErrorType = "internal"
	TypeExternal   ErrorType = "external"
)

// Error is a structured error with type, message and context fields.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeForbidden:
		return http.StatusForbidden
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error { return newError(TypeValidation, message, nil) }
func NotFoundError(message string) *Error   { return newError(TypeNotFound, message, nil) }
func ConflictError(message string) *Error   { return newError(TypeConflict, message, nil) }
func ForbiddenError(message string) *Error  { return newError(TypeForbidden, message, nil) }

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithField adds a context field to the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error. Domain
// sentinels map to their client-facing type; anything else is internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return FromDomain(err)
}

// FromDomain maps domain sentinel errors onto structured errors.
func FromDomain(err error) *Error {
	switch {
	case domain.IsNotFound(err):
		return newError(TypeNotFound, err.Error(), err)
	case errors.Is(err, domain.ErrInvalidInput):
		return newError(TypeValidation, err.Error(), err)
	case errors.Is(err, domain.ErrCannotJoinWithoutApproval), errors.Is(err, domain.ErrNotOrganizer):
		return newError(TypeForbidden, err.Error(), err)
	case domain.IsRejection(err), errors.Is(err, domain.ErrConflict):
		return newError(TypeConflict, err.Error(), err)
	default:
		return InternalError("internal server error", err)
	}
}

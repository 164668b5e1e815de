package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type AppError struct {
	Code    string
	Message string
	Origin  error // Original error that caused this error, if any
}

func (appErr *AppError) Error() string {
	if appErr.Origin != nil {
		return appErr.Message + ": " + appErr.Origin.Error()
	}
	return appErr.Message
}

func (appErr *AppError) Unwrap() error {
	return appErr.Origin
}

// Standard error codes for the engine
const (
	// Rejected before any optimistic change or network call
	ErrValidation   = "VALIDATION"
	ErrAuthRequired = "AUTH_REQUIRED"

	// Server-side outcomes; the optimistic change is rolled back
	ErrConflict  = "CONFLICT"
	ErrTransport = "TRANSPORT"

	// Malformed server payloads; the record is dropped, the batch continues
	ErrDataIntegrity = "DATA_INTEGRITY"

	ErrNotFound     = "NOT_FOUND"
	ErrActorTimeout = "ACTOR_TIMEOUT"
)

// Error creation helper functions
func NewAppError(code string, message string, originalErr error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Origin:  originalErr,
	}
}

func NewValidationError(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewAuthRequiredError(action string) *AppError {
	return &AppError{
		Code:    ErrAuthRequired,
		Message: "Sign in required to " + action,
	}
}

func NewConflictError(message string, origin error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Origin:  origin,
	}
}

func NewTransportError(message string, origin error) *AppError {
	return &AppError{
		Code:    ErrTransport,
		Message: message,
		Origin:  origin,
	}
}

func NewDataIntegrityError(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrDataIntegrity,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewNotFoundError(kind, id string) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: kind + " not found: " + id,
	}
}

func NewActorTimeoutError(actorName string) *AppError {
	return &AppError{
		Code:    ErrActorTimeout,
		Message: "Actor communication timeout: " + actorName,
	}
}

// AsAppError classifies any error coming back from a collaborator. Errors
// that are already typed keep their code; everything else is a transport
// failure.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewTransportError("request did not complete", err)
	case errors.As(err, &netErr):
		return NewTransportError("network failure", err)
	}
	return NewTransportError("server failure", err)
}

// Helper method to check if an error is of a specific type
func IsErrorCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsClientError reports whether the error was raised before any network call.
func IsClientError(err error) bool {
	return IsErrorCode(err, ErrValidation) || IsErrorCode(err, ErrAuthRequired)
}

// AppErrorToHTTPStatus converts an AppError code to an HTTP status code.
func AppErrorToHTTPStatus(errorCode string) int {
	switch errorCode {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthRequired:
		return http.StatusUnauthorized
	case ErrConflict:
		return http.StatusConflict
	case ErrTransport:
		return http.StatusBadGateway
	case ErrActorTimeout:
		return http.StatusGatewayTimeout
	case ErrDataIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

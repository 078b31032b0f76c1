package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeIdentityConflict  ErrorCode = "IDENTITY_CONFLICT"
	ErrCodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	ErrCodeChannelNotOpen    ErrorCode = "CHANNEL_NOT_OPEN"
	ErrCodeSessionClosed     ErrorCode = "SESSION_CLOSED"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// HTTPStatus maps the error code onto the control API's response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidInput, ErrCodeInvalidMessage:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeIdentityConflict:
		return http.StatusConflict
	case ErrCodeChannelNotOpen:
		return http.StatusServiceUnavailable
	case ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// NewOperationTimeout reports a transport primitive that did not settle in time.
func NewOperationTimeout(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeOperationTimeout, fmt.Sprintf("%s timed out", operation)).
		WithContext("operation", operation)
}

// NewIdentityConflict carries the relay's rejection reason verbatim.
func NewIdentityConflict(reason string) *AppError {
	return NewAppError(ErrCodeIdentityConflict, reason)
}

func NewNegotiationError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiationFailed, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation)
}

func NewInvalidMessageError(message string) *AppError {
	return NewAppError(ErrCodeInvalidMessage, message)
}

func NewChannelNotOpenError() *AppError {
	return NewAppError(ErrCodeChannelNotOpen, "signaling channel is not open")
}

func NewSessionClosedError() *AppError {
	return NewAppError(ErrCodeSessionClosed, "peer session is closed")
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

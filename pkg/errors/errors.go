package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"zombiefile/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	ErrCodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeUnknownMessage     ErrorCode = "UNKNOWN_MESSAGE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeChannelClosed      ErrorCode = "CHANNEL_CLOSED"
	ErrCodeAuthentication     ErrorCode = "AUTHENTICATION_FAILURE"
	ErrCodeKeyExchange        ErrorCode = "KEY_EXCHANGE_FAILURE"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
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

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidPayloadError(message string) *AppError {
	return NewAppError(ErrCodeInvalidPayload, message, http.StatusBadRequest)
}

func NewRoomNotFoundError(roomID string) *AppError {
	return NewAppError(ErrCodeRoomNotFound, "Room does not exist", http.StatusNotFound).
		WithContext("room_id", roomID)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps the domain sentinels onto application errors. Errors that
// are already AppErrors are returned unchanged.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrRoomNotFound):
		return WrapError(err, ErrCodeRoomNotFound, "Room does not exist", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidPayload):
		return WrapError(err, ErrCodeInvalidPayload, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrChannelClosed):
		return WrapError(err, ErrCodeChannelClosed, "data channel closed", http.StatusGone)
	case stderrors.Is(err, domain.ErrAuthenticationFailure):
		return WrapError(err, ErrCodeAuthentication, "chunk failed integrity verification", http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrKeyExchangeFailure):
		return WrapError(err, ErrCodeKeyExchange, "key exchange failed", http.StatusUnprocessableEntity)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

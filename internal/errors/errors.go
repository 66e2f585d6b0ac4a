package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an AppError and the "type" field of error
// responses.
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "VALIDATION_ERROR"
	ErrorTypeBadRequest       ErrorType = "BAD_REQUEST"
	ErrorTypeAuth             ErrorType = "AUTH_ERROR"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeMethodNotAllowed ErrorType = "METHOD_NOT_ALLOWED"
	ErrorTypeTooLarge         ErrorType = "PAYLOAD_TOO_LARGE"
	ErrorTypeRateLimit        ErrorType = "RATE_LIMIT_ERROR"
	ErrorTypeStorage          ErrorType = "STORAGE_ERROR"
	ErrorTypeInternal         ErrorType = "INTERNAL_ERROR"
	ErrorTypeUnavailable      ErrorType = "SERVICE_UNAVAILABLE"
)

var errorStatusCodes = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeBadRequest:       http.StatusBadRequest,
	ErrorTypeAuth:             http.StatusUnauthorized,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrorTypeTooLarge:         http.StatusRequestEntityTooLarge,
	ErrorTypeRateLimit:        http.StatusTooManyRequests,
	ErrorTypeStorage:          http.StatusInternalServerError,
	ErrorTypeInternal:         http.StatusInternalServerError,
	ErrorTypeUnavailable:      http.StatusServiceUnavailable,
}

// AppError is an error that knows how it should be rendered to an API
// client. Internal is logged but never serialized.
type AppError struct {
	Type       ErrorType   `json:"type"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Internal   error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Internal
}

// HTTPStatus is StatusCode when set, otherwise the status for Type.
func (e *AppError) HTTPStatus() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return GetStatusCode(e.Type)
}

// GetStatusCode returns the HTTP status for an error type, 500 when unknown.
func GetStatusCode(errorType ErrorType) int {
	if code, ok := errorStatusCodes[errorType]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		StatusCode: GetStatusCode(errorType),
	}
}

func NewWithDetails(errorType ErrorType, message string, details interface{}) *AppError {
	e := New(errorType, message)
	e.Details = details
	return e
}

// Wrap attaches err as the internal cause of a new AppError.
func Wrap(errorType ErrorType, message string, err error) *AppError {
	e := New(errorType, message)
	e.Internal = err
	return e
}

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// TypeOf returns the type of the first AppError in err's chain, or "" when
// there is none.
func TypeOf(err error) ErrorType {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type
	}
	return ""
}

func ValidationError(message string, details interface{}) *AppError {
	return NewWithDetails(ErrorTypeValidation, message, details)
}

func BadRequestError(message string) *AppError {
	return New(ErrorTypeBadRequest, message)
}

func AuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NotFoundError(message string) *AppError {
	return New(ErrorTypeNotFound, message)
}

// MethodNotAllowedError reports a known route hit with the wrong method.
func MethodNotAllowedError(method, path string) *AppError {
	return NewWithDetails(ErrorTypeMethodNotAllowed, "Method not allowed", map[string]string{
		"method": method,
		"path":   path,
	})
}

func TooLargeError(message string, details interface{}) *AppError {
	return NewWithDetails(ErrorTypeTooLarge, message, details)
}

func RateLimitError(message string, details interface{}) *AppError {
	return NewWithDetails(ErrorTypeRateLimit, message, details)
}

func StorageError(message string, err error) *AppError {
	return Wrap(ErrorTypeStorage, message, err)
}

func InternalError(message string, err error) *AppError {
	return Wrap(ErrorTypeInternal, message, err)
}

func UnavailableError(message string) *AppError {
	return New(ErrorTypeUnavailable, message)
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of call failure.
type ErrorCode string

const (
	ErrCodeMalformedPayload     ErrorCode = "MALFORMED_SIGNALING_PAYLOAD"
	ErrCodeNoActiveLink         ErrorCode = "NO_ACTIVE_LINK"
	ErrCodeInvalidNegotiation   ErrorCode = "INVALID_NEGOTIATION_STATE"
	ErrCodeMediaDenied          ErrorCode = "MEDIA_ACQUISITION_DENIED"
	ErrCodeMediaUnavailable     ErrorCode = "MEDIA_DEVICE_UNAVAILABLE"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeRecoveryExhausted    ErrorCode = "RECOVERY_EXHAUSTED"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict             ErrorCode = "CONFLICT"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeMalformedPayload:     http.StatusBadRequest,
	ErrCodeNoActiveLink:         http.StatusConflict,
	ErrCodeInvalidNegotiation:   http.StatusConflict,
	ErrCodeMediaDenied:          http.StatusForbidden,
	ErrCodeMediaUnavailable:     http.StatusFailedDependency,
	ErrCodeTransportUnavailable: http.StatusServiceUnavailable,
	ErrCodeRecoveryExhausted:    http.StatusGone,
	ErrCodeInvalidInput:         http.StatusBadRequest,
	ErrCodeNotFound:             http.StatusNotFound,
	ErrCodeUnauthorized:         http.StatusUnauthorized,
	ErrCodeConflict:             http.StatusConflict,
	ErrCodeRateLimit:            http.StatusTooManyRequests,
	ErrCodeInternal:             http.StatusInternalServerError,
}

// StatusFor returns the HTTP status used by the control API for code.
func StatusFor(code ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

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

// Is reports whether target is an AppError with the same code, so sentinel
// values can be matched with errors.Is regardless of message or cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error for code with the status from the code table.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: StatusFor(code),
		Context:    make(map[string]interface{}),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an application error code.
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

// IsCode reports whether any AppError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	for appErr != nil {
		if appErr.Code == code {
			return true
		}
		appErr = GetAppError(appErr.Cause)
	}
	return false
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

package utils

import (
	"errors"
	"fmt"
)

// Error codes returned to devices and the admin API.
const (
	CodeOK                       = "OK"
	CodeInvalidParam             = "INVALID_PARAM"
	CodeOrderLocked              = "ORDER_LOCKED"
	CodeLockNotFound             = "LOCK_NOT_FOUND"
	CodeLockOwnedByAnotherDevice = "LOCK_OWNED_BY_ANOTHER_DEVICE"
	CodeHandshakeRejected        = "HANDSHAKE_REJECTED"
	CodeConnectionFailed         = "CONNECTION_FAILED"
	CodeDiscoveryTimeout         = "DISCOVERY_TIMEOUT"
	CodeSerialization            = "SERIALIZATION_ERROR"
	CodeInternalError            = "INTERNAL_ERROR"
)

// AppError application error structure
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %s, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError create new application error
func NewError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapError wrap an underlying error with a code and message
func WrapError(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

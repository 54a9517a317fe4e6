package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a lotl error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"       // 400
	ErrNotFound             ErrorCode = "NOT_FOUND"             // 404
	ErrFileNotFound         ErrorCode = "FILE_NOT_FOUND"        // 404
	ErrDuplicateKey         ErrorCode = "DUPLICATE_KEY"         // 409
	ErrVersionMismatch      ErrorCode = "VERSION_MISMATCH"      // 409
	ErrInvariantViolation   ErrorCode = "INVARIANT_VIOLATION"   // 422
	ErrCancelled            ErrorCode = "CANCELLED"             // 499
	ErrIO                   ErrorCode = "IO_ERROR"              // 500
	ErrInternal             ErrorCode = "INTERNAL"              // 500
	ErrInferenceUnavailable ErrorCode = "INFERENCE_UNAVAILABLE" // 502
)

// LotlError represents a structured error with code, status, and details.
type LotlError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any. Not exposed over MCP or HTTP.
	Err error
}

// Error implements the error interface.
func (e *LotlError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *LotlError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *LotlError {
	return &LotlError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a record cannot be found.
func NewNotFound(key string) *LotlError {
	return &LotlError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("record not found: %s", key),
		Details: map[string]any{"key": key},
	}
}

// NewFileNotFound creates a 404 error for a missing file on disk.
func NewFileNotFound(path string) *LotlError {
	return &LotlError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewDuplicateKey creates a 409 error for an add of an existing key.
func NewDuplicateKey(key string) *LotlError {
	return &LotlError{
		Code:    ErrDuplicateKey,
		Status:  409,
		Message: fmt.Sprintf("record with key %q already exists", key),
		Details: map[string]any{"key": key},
	}
}

// NewVersionMismatch creates a 409 error when the store file was written by a
// newer schema than this build understands.
func NewVersionMismatch(found, supported int) *LotlError {
	return &LotlError{
		Code:    ErrVersionMismatch,
		Status:  409,
		Message: fmt.Sprintf("store schema version %d is newer than supported version %d", found, supported),
		Details: map[string]any{"found": found, "supported": supported},
	}
}

// NewInvariantViolation creates a 422 error for a record that would break
// verified-implies-processed.
func NewInvariantViolation(key string) *LotlError {
	return &LotlError{
		Code:    ErrInvariantViolation,
		Status:  422,
		Message: fmt.Sprintf("record %q cannot be verified before it is processed", key),
		Details: map[string]any{"key": key},
	}
}

// NewCancelled creates a 499 error for an operation stopped by its context.
func NewCancelled(op string) *LotlError {
	return &LotlError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewIO creates a 500 error for disk failures.
func NewIO(op string, err error) *LotlError {
	msg := op
	if err != nil {
		msg = fmt.Sprintf("%s: %v", op, err)
	}
	return &LotlError{
		Code:    ErrIO,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// NewInferenceUnavailable creates a 502 error when the inference service
// cannot be reached or returns an error payload.
func NewInferenceUnavailable(msg string, err error) *LotlError {
	return &LotlError{
		Code:    ErrInferenceUnavailable,
		Status:  502,
		Message: msg,
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *LotlError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &LotlError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if an error is (or wraps) a LotlError with the given code.
func Is(err error, code ErrorCode) bool {
	var lErr *LotlError
	if stderrors.As(err, &lErr) {
		return lErr.Code == code
	}
	return false
}

// As returns the LotlError in err's chain, if any.
func As(err error) (*LotlError, bool) {
	var lErr *LotlError
	if stderrors.As(err, &lErr) {
		return lErr, true
	}
	return nil, false
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target is an AppError carrying the same code, so that
// errors.Is(err, ErrReadFailed) matches any copy produced by WithInternal.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *AppError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError with a replaced message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrConflict = &AppError{
		Code:       "CONFLICT",
		Message:    "Request conflicts with an operation in progress",
		StatusCode: http.StatusConflict,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// Store errors. Every storage operation fails with exactly one of these.
var (
	ErrSchema = &AppError{
		Code:       "SCHEMA_ERROR",
		Message:    "Gift storage is not initialised",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrWriteFailed = &AppError{
		Code:       "WRITE_ERROR",
		Message:    "Failed to write gift storage",
		StatusCode: http.StatusInternalServerError,
	}

	ErrReadFailed = &AppError{
		Code:       "READ_ERROR",
		Message:    "Failed to read gift storage",
		StatusCode: http.StatusInternalServerError,
	}

	ErrTimeout = &AppError{
		Code:       "TIMEOUT",
		Message:    "Gift storage did not respond in time",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrDecode = &AppError{
		Code:       "DECODE_ERROR",
		Message:    "Stored gift payload could not be decoded",
		StatusCode: http.StatusInternalServerError,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid gift request",
		StatusCode: http.StatusBadRequest,
	}
)

// DecodeFailure lists the records whose payloads could not be decoded.
type DecodeFailure struct {
	IDs []string
	Err error
}

func (d *DecodeFailure) Error() string {
	if d == nil {
		return "<nil>"
	}
	msg := "undecodable records: " + strings.Join(d.IDs, ", ")
	if d.Err != nil {
		msg += ": " + d.Err.Error()
	}
	return msg
}

func (d *DecodeFailure) Unwrap() error {
	if d == nil {
		return nil
	}
	return d.Err
}

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewValidation returns a VALIDATION_ERROR carrying a specific message.
func NewValidation(message string) *AppError {
	return ErrValidation.WithMessage(message)
}

// CodeOf returns the AppError code carried by err, or an empty string.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Code
	}
	return ""
}

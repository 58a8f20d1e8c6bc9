package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"
	ErrCodeInvalidPhone    ErrorCode = "INVALID_PHONE"
	ErrCodeScheduleInPast  ErrorCode = "SCHEDULE_IN_PAST"
	ErrCodeEmptyMessage    ErrorCode = "EMPTY_MESSAGE"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeJobNotFound   ErrorCode = "JOB_NOT_FOUND"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Delivery
	ErrCodeDeliveryTransient ErrorCode = "DELIVERY_TRANSIENT"
	ErrCodeDeliveryPermanent ErrorCode = "DELIVERY_PERMANENT"

	// Session
	ErrCodeSession ErrorCode = "SESSION_ERROR"

	// Internal
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase         ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal         ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeQueueUnavailable ErrorCode = "QUEUE_UNAVAILABLE"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func JobNotFound(id string) *AppError {
	return New(ErrCodeJobNotFound, fmt.Sprintf("Job %s not found", id))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InvalidPhone(raw string) *AppError {
	return New(ErrCodeInvalidPhone, fmt.Sprintf("Invalid phone number: %q", raw))
}

func ScheduleInPast() *AppError {
	return New(ErrCodeScheduleInPast, "sendAt must be in the future")
}

func EmptyMessage() *AppError {
	return New(ErrCodeEmptyMessage, "Message body or template is required")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func TransientDelivery(cause error) *AppError {
	return Wrap(ErrCodeDeliveryTransient, "Temporary delivery failure", cause)
}

func PermanentDelivery(reason string) *AppError {
	return New(ErrCodeDeliveryPermanent, fmt.Sprintf("Delivery rejected: %s", reason))
}

func Session(cause error) *AppError {
	return Wrap(ErrCodeSession, "Session error", cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

func QueueUnavailable(cause error) *AppError {
	return Wrap(ErrCodeQueueUnavailable, "Delivery queue unavailable", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether a delivery attempt that failed with err may be
// attempted again. Errors of unknown origin count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	appErr, ok := AsAppError(err)
	if !ok {
		return true
	}
	switch appErr.Code {
	case ErrCodeDeliveryPermanent,
		ErrCodeValidation,
		ErrCodeInvalidInput,
		ErrCodeMissingRequired,
		ErrCodeInvalidPhone,
		ErrCodeScheduleInPast,
		ErrCodeEmptyMessage:
		return false
	}
	return true
}

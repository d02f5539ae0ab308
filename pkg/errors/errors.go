package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Scheduling error codes. Callers branch on these rather than on error
// strings; a lost compare-and-swap race is a StateViolation, a genuinely
// overlapping booking is a Conflict.
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrStateViolation
	ErrConflict
	ErrSlotNotAvailable
	ErrSlotOutsideBookableRange
	ErrVisitFrequencyReached
	ErrPaymentLimitReached
	ErrInvalidPayment
	ErrArgument
	ErrForbidden
	ErrService
)

// Code extracts the ErrorCode from err, or ErrService if err is not an
// AppError.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrService
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func StateViolation(message string) *AppError {
	return &AppError{
		Code:    ErrStateViolation,
		Message: message,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
	}
}

func SlotNotAvailable(message string) *AppError {
	return &AppError{
		Code:    ErrSlotNotAvailable,
		Message: message,
	}
}

func SlotOutsideBookableRange(message string) *AppError {
	return &AppError{
		Code:    ErrSlotOutsideBookableRange,
		Message: message,
	}
}

func VisitFrequencyReached(message string) *AppError {
	return &AppError{
		Code:    ErrVisitFrequencyReached,
		Message: message,
	}
}

func PaymentLimitReached(message string) *AppError {
	return &AppError{
		Code:    ErrPaymentLimitReached,
		Message: message,
	}
}

func InvalidPayment(message string, err error) *AppError {
	return &AppError{
		Code:    ErrInvalidPayment,
		Message: message,
		Err:     err,
	}
}

func Argument(message string) *AppError {
	return &AppError{
		Code:    ErrArgument,
		Message: message,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}

func Service(message string, err error) *AppError {
	return &AppError{
		Code:    ErrService,
		Message: message,
		Err:     err,
	}
}

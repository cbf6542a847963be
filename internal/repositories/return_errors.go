package repositories

import (
	"fmt"

	domain "github.com/hanko-field/returns/internal/domain"
)

// ReturnErrorCode enumerates repository error causes for return request writes.
type ReturnErrorCode string

const (
	// ReturnErrorUnknown represents an unspecified failure.
	ReturnErrorUnknown ReturnErrorCode = "return_unknown"
	// ReturnErrorQuantityExceeded indicates a line would be returned more times than it was bought.
	ReturnErrorQuantityExceeded ReturnErrorCode = "return_quantity_exceeded"
	// ReturnErrorStatusMismatch indicates the stored status differs from the expected one.
	ReturnErrorStatusMismatch ReturnErrorCode = "return_status_mismatch"
	// ReturnErrorUnknownLine indicates the request references a line absent from the order.
	ReturnErrorUnknownLine ReturnErrorCode = "return_unknown_line"
	// ReturnErrorInvalidCursor indicates a page token that is malformed or minted for another filter.
	ReturnErrorInvalidCursor ReturnErrorCode = "return_invalid_cursor"
)

// ReturnError wraps return-specific failures with machine readable codes.
type ReturnError struct {
	Op      string
	Code    ReturnErrorCode
	Message string
	// Current holds the observed status for ReturnErrorStatusMismatch.
	Current domain.ReturnStatus
	Err     error
}

// Error implements the error interface.
func (e *ReturnError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *ReturnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewReturnError constructs a typed return error.
func NewReturnError(code ReturnErrorCode, message string, err error) *ReturnError {
	if message == "" {
		message = string(code)
	}
	return &ReturnError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewStatusMismatchError reports that a request was found in an unexpected status.
func NewStatusMismatchError(current, expected domain.ReturnStatus) *ReturnError {
	err := NewReturnError(ReturnErrorStatusMismatch, fmt.Sprintf("status is %s, expected %s", current, expected), nil)
	err.Current = current
	return err
}

// Package errors holds the coded errors of the task transport.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidTask indicates that a task message could not be decoded or validated
	ErrInvalidTask = errors.New("invalid task")

	// ErrPublishFailed indicates that a task could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrConsumerNotFound indicates that a consumer was not found
	ErrConsumerNotFound = errors.New("consumer not found")
)

// Error codes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_ERROR"
)

// Error is a coded error returned by the task service and client.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a coded error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewValidationError reports input that can never be accepted.
func NewValidationError(message string, err error) *Error {
	return NewError(CodeValidation, message, err)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string, err error) *Error {
	return NewError(CodeNotFound, message, err)
}

// NewInternalError reports an infrastructure failure.
func NewInternalError(message string, err error) *Error {
	return NewError(CodeInternal, message, err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotConnected checks if an error is a not connected error.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

package supervisor

import (
	"errors"
	"fmt"
)

// Error represents a supervisor error surfaced to the operator layer.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of message and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeLaunchFailure      = "LAUNCH_FAILURE"
	ErrCodeBudgetExhausted    = "BUDGET_EXHAUSTED"
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
)

// Sentinels for errors.Is.
var (
	ErrLaunchFailure      = &Error{Code: ErrCodeLaunchFailure}
	ErrBudgetExhausted    = &Error{Code: ErrCodeBudgetExhausted}
	ErrPersistenceFailure = &Error{Code: ErrCodePersistenceFailure}
	ErrInvalidState       = &Error{Code: ErrCodeInvalidState}
	ErrInvalidConfig      = &Error{Code: ErrCodeInvalidConfig}
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrAlreadyExists      = &Error{Code: ErrCodeAlreadyExists}
)

// NewError creates a new supervisor error
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

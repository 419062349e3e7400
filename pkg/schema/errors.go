package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidActionData = "INVALID_ACTION_DATA"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// AutomatonError is the structured error type for all engine operations.
type AutomatonError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutomatonError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutomatonError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AutomatonError.
func NewError(code, message string) *AutomatonError {
	return &AutomatonError{Code: code, Message: message}
}

// NewErrorf creates a new AutomatonError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutomatonError {
	return &AutomatonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *AutomatonError) WithCause(err error) *AutomatonError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutomatonError) WithDetails(details map[string]any) *AutomatonError {
	e.Details = details
	return e
}

// IsCode reports whether err is an AutomatonError carrying the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if ae, ok := err.(*AutomatonError); ok && ae.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return IsCode(err, ErrCodeConflict) }

package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeFatalStep         = "FATAL_STEP_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// WorkflowError is the structured error type for all engine operations.
type WorkflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    StepName       `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the originating step name to the error.
func (e *WorkflowError) WithStep(step StepName) *WorkflowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// IsCode reports whether err is a *WorkflowError carrying the given code.
func IsCode(err error, code string) bool {
	we, ok := err.(*WorkflowError)
	return ok && we.Code == code
}

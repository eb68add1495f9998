package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStructural        = "STRUCTURAL_ERROR"
	ErrCodeUnsupportedPolicy = "UNSUPPORTED_POLICY"
	ErrCodeParameter         = "PARAMETER_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowcError is the structured error type for all flowc operations.
type FlowcError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowcError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowcError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowcError.
func NewError(code, message string) *FlowcError {
	return &FlowcError{Code: code, Message: message}
}

// NewErrorf creates a new FlowcError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowcError {
	return &FlowcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *FlowcError) WithStep(step string) *FlowcError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowcError) WithCause(err error) *FlowcError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowcError) WithDetails(details map[string]any) *FlowcError {
	e.Details = details
	return e
}

// IsCompileError reports whether the code denotes a compile-time failure,
// after which no artifact may be produced.
func (e *FlowcError) IsCompileError() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeStructural, ErrCodeUnsupportedPolicy:
		return true
	}
	return false
}

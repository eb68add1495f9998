package schema

import "fmt"

// ValidationSeverity ranks an issue: errors block compilation, warnings
// do not.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue pinpoints one problem found while checking a flow
// definition. Path addresses the offending location in the document,
// "steps[2].next[0]" style.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects every issue the validation pipeline found, so a
// definition author sees all problems in one pass instead of fixing them one
// compile at a time.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether compilation may proceed. Warnings do not block.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a blocking issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddErrorf records a blocking issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning records a non-blocking issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge folds another result's issues into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError reduces the result to a single FlowcError carrying the full issue
// list in its details, or nil when compilation may proceed. The first
// error's code wins so callers can tell structural failures from plain
// definition mistakes.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", n)
	}

	return NewError(r.Errors[0].Code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

package validation

import (
	"github.com/rendis/flowc/pkg/schema"
)

// Validate runs the full pre-compilation validation pipeline over a flow
// definition: JSON Schema shape checks first, then semantic reference checks.
// Semantic checks only run on a shape-valid definition so they can assume
// well-formed fields.
func Validate(def *schema.FlowDefinition) error {
	result := ValidateResult(def)
	return result.ToError()
}

// ValidateResult is like Validate but returns the full issue list, for
// callers that want to report every problem at once.
func ValidateResult(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return result
	}

	result.Merge(validateJSONSchema(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

package validation

import (
	"fmt"

	"github.com/rendis/flowc/pkg/schema"
)

// validateSemantic performs reference-level checks the JSON Schema cannot
// express: duplicate names, dangling transitions, start/end presence.
// Deep structural analysis (cycles, split contexts, join obligations) is
// the graph analyzer's job.
func validateSemantic(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if prev, ok := names[step.Name]; ok {
			result.AddErrorf(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeValidation,
				"duplicate step name %q (first declared at steps[%d])", step.Name, prev)
			continue
		}
		names[step.Name] = i
	}

	if _, ok := names[schema.StartStepName]; !ok {
		result.AddErrorf("steps", schema.ErrCodeValidation,
			"flow must declare a %q step", schema.StartStepName)
	}
	if _, ok := names[schema.EndStepName]; !ok {
		result.AddErrorf("steps", schema.ErrCodeValidation,
			"flow must declare an %q step", schema.EndStepName)
	}

	for i, step := range def.Steps {
		for j, next := range step.Next {
			if _, ok := names[next]; !ok {
				result.AddErrorf(fmt.Sprintf("steps[%d].next[%d]", i, j), schema.ErrCodeValidation,
					"step %q transitions to unknown step %q", step.Name, next)
			}
			if next == step.Name {
				result.AddErrorf(fmt.Sprintf("steps[%d].next[%d]", i, j), schema.ErrCodeValidation,
					"step %q transitions to itself", step.Name)
			}
		}

		if step.Type == schema.StepTypeForeach && step.Foreach == "" {
			result.AddErrorf(fmt.Sprintf("steps[%d].foreach", i), schema.ErrCodeValidation,
				"foreach step %q must declare an iterable", step.Name)
		}
		if step.Foreach != "" && step.Type != "" && step.Type != schema.StepTypeForeach {
			result.AddErrorf(fmt.Sprintf("steps[%d].foreach", i), schema.ErrCodeValidation,
				"step %q declares an iterable but is typed %q", step.Name, step.Type)
		}
	}

	paramNames := make(map[string]int, len(def.Parameters))
	for i, param := range def.Parameters {
		if prev, ok := paramNames[param.Name]; ok {
			result.AddErrorf(fmt.Sprintf("parameters[%d].name", i), schema.ErrCodeParameter,
				"duplicate parameter %q (first declared at parameters[%d])", param.Name, prev)
			continue
		}
		paramNames[param.Name] = i

		if param.Default != nil && param.Expr != "" {
			result.AddErrorf(fmt.Sprintf("parameters[%d]", i), schema.ErrCodeParameter,
				"parameter %q declares both a default and an expression", param.Name)
		}
	}

	return result
}

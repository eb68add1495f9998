package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowc/pkg/schema"
)

func validFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name: "order_pipeline",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"transform"}},
			{Name: "transform", Next: []string{"end"}},
			{Name: "end"},
		},
	}
}

func TestValidate_ValidFlow(t *testing.T) {
	require.NoError(t, Validate(validFlow()))
}

func TestValidate_NilDefinition(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	var fErr *schema.FlowcError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeValidation, fErr.Code)
}

func TestValidate_MissingName(t *testing.T) {
	def := validFlow()
	def.Name = ""
	require.Error(t, Validate(def))
}

func TestValidate_InvalidNameCharacters(t *testing.T) {
	def := validFlow()
	def.Name = "order pipeline!"
	require.Error(t, Validate(def))
}

func TestValidate_UnknownStepType(t *testing.T) {
	def := validFlow()
	def.Steps[1].Type = "parallel"
	require.Error(t, Validate(def))
}

func TestValidate_DuplicateStepName(t *testing.T) {
	def := validFlow()
	def.Steps = append(def.Steps, schema.StepDefinition{Name: "transform", Next: []string{"end"}})

	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step name")
}

func TestValidate_MissingStart(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "no_start",
		Steps: []schema.StepDefinition{
			{Name: "transform", Next: []string{"end"}},
			{Name: "end"},
		},
	}
	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `"start"`)
}

func TestValidate_MissingEnd(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "no_end",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"transform"}},
			{Name: "transform"},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_UnknownSuccessor(t *testing.T) {
	def := validFlow()
	def.Steps[1].Next = []string{"ghost"}

	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].next[0]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `unknown step "ghost"`)
}

func TestValidate_SelfTransition(t *testing.T) {
	def := validFlow()
	def.Steps[1].Next = []string{"transform"}
	require.Error(t, Validate(def))
}

func TestValidate_ForeachWithoutIterable(t *testing.T) {
	def := validFlow()
	def.Steps[1].Type = schema.StepTypeForeach

	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "iterable")
}

func TestValidate_IterableOnNonForeach(t *testing.T) {
	def := validFlow()
	def.Steps[1].Type = schema.StepTypeLinear
	def.Steps[1].Foreach = "items"
	require.Error(t, Validate(def))
}

func TestValidate_DuplicateParameter(t *testing.T) {
	def := validFlow()
	def.Parameters = []schema.ParameterDefinition{
		{Name: "alpha", Default: 1},
		{Name: "alpha", Default: 2},
	}

	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeParameter, result.Errors[0].Code)
}

func TestValidate_ParameterDefaultAndExprConflict(t *testing.T) {
	def := validFlow()
	def.Parameters = []schema.ParameterDefinition{
		{Name: "workers", Default: 4, Expr: "2 * 2"},
	}
	require.Error(t, Validate(def))
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "broken",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"ghost"}},
			{Name: "middle", Next: []string{"middle"}},
		},
	}
	result := ValidateResult(def)
	require.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors), 3)
}

package params

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowc/pkg/schema"
)

func TestCompile_Literals(t *testing.T) {
	specs, err := Compile([]schema.ParameterDefinition{
		{Name: "message", Default: "hello", Help: "A message to echo."},
		{Name: "count", Type: TypeInt, Default: float64(3)},
		{Name: "rate", Default: 0.5},
		{Name: "flag", Default: true},
	})
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, schema.ParameterSpec{Name: "message", Type: TypeStr, Default: "hello", Help: "A message to echo."}, specs[0])
	assert.Equal(t, schema.ParameterSpec{Name: "count", Type: TypeInt, Default: 3}, specs[1])
	assert.Equal(t, schema.ParameterSpec{Name: "rate", Type: TypeFloat, Default: 0.5}, specs[2])
	assert.Equal(t, schema.ParameterSpec{Name: "flag", Type: TypeBool, Default: true}, specs[3])
}

func TestCompile_DeployTimeExpression(t *testing.T) {
	specs, err := Compile([]schema.ParameterDefinition{
		{Name: "batch_size", Expr: "16 * 4"},
		{Name: "label", Expr: `"run-" + "a"`},
	})
	require.NoError(t, err)
	assert.Equal(t, 64, specs[0].Default)
	assert.Equal(t, TypeInt, specs[0].Type)
	assert.Equal(t, "run-a", specs[1].Default)
	assert.Equal(t, TypeStr, specs[1].Type)
}

func TestCompile_ExpressionEvaluatedOnce(t *testing.T) {
	// The compiled spec carries a value, not the expression.
	specs, err := Compile([]schema.ParameterDefinition{{Name: "n", Expr: "2 + 2"}})
	require.NoError(t, err)
	assert.Equal(t, 4, specs[0].Default)
}

func TestCompile_BadExpression(t *testing.T) {
	_, err := Compile([]schema.ParameterDefinition{{Name: "n", Expr: "2 +"}})
	require.Error(t, err)
}

func TestCompile_DefaultAndExprConflict(t *testing.T) {
	_, err := Compile([]schema.ParameterDefinition{{Name: "n", Default: 1, Expr: "2"}})
	require.Error(t, err)
}

func TestCompile_DuplicateName(t *testing.T) {
	_, err := Compile([]schema.ParameterDefinition{{Name: "n", Default: 1}, {Name: "n", Default: 2}})
	require.Error(t, err)
}

func TestCompile_TypeMismatch(t *testing.T) {
	_, err := Compile([]schema.ParameterDefinition{{Name: "n", Type: TypeInt, Default: "abc"}})
	require.Error(t, err)
}

func TestCompile_RequiredParameter(t *testing.T) {
	// No default at all: compiles fine, is required at invocation.
	specs, err := Compile([]schema.ParameterDefinition{{Name: "input_path", Type: TypeStr}})
	require.NoError(t, err)
	assert.Nil(t, specs[0].Default)
}

func TestResolve_DefaultsAndOverrides(t *testing.T) {
	specs := []schema.ParameterSpec{
		{Name: "message", Type: TypeStr, Default: "hello"},
		{Name: "count", Type: TypeInt, Default: 3},
	}

	values, err := Resolve(specs, map[string]string{"count": "7"})
	require.NoError(t, err)
	assert.Equal(t, "hello", values["message"])
	assert.Equal(t, 7, values["count"])
}

func TestResolve_UnknownParameter(t *testing.T) {
	specs := []schema.ParameterSpec{{Name: "count", Type: TypeInt, Default: 3}}

	_, err := Resolve(specs, map[string]string{"cuont": "7"})
	require.Error(t, err)

	var fcErr *schema.FlowcError
	require.True(t, errors.As(err, &fcErr))
	assert.Equal(t, schema.ErrCodeParameter, fcErr.Code)
}

func TestResolve_MalformedValue(t *testing.T) {
	specs := []schema.ParameterSpec{{Name: "count", Type: TypeInt, Default: 3}}

	_, err := Resolve(specs, map[string]string{"count": "seven"})
	require.Error(t, err)
}

func TestResolve_MissingRequired(t *testing.T) {
	specs := []schema.ParameterSpec{{Name: "input_path", Type: TypeStr}}

	_, err := Resolve(specs, nil)
	require.Error(t, err)

	var fcErr *schema.FlowcError
	require.True(t, errors.As(err, &fcErr))
	assert.Equal(t, schema.ErrCodeParameter, fcErr.Code)
}

func TestParsePairs(t *testing.T) {
	pairs, err := ParsePairs([]string{"a=1", "b=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, pairs)

	_, err = ParsePairs([]string{"novalue"})
	require.Error(t, err)
}

func TestEnv(t *testing.T) {
	env := Env(map[string]any{"message": "hi", "count": 3, "rate": 0.5, "flag": true})
	assert.Equal(t, map[string]string{
		"FLOWC_PARAM_MESSAGE": "hi",
		"FLOWC_PARAM_COUNT":   "3",
		"FLOWC_PARAM_RATE":    "0.5",
		"FLOWC_PARAM_FLAG":    "true",
	}, env)
}

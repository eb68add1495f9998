package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/rendis/flowc/pkg/schema"
)

// The parameter bridge exposes declared flow parameters as named external
// inputs on the compiled artifact and forwards them unchanged to every task
// instance's subprocess invocation. Defaults are fixed at compile time:
// a literal is taken as-is, an expression is evaluated exactly once.

// Parameter type names.
const (
	TypeStr   = "str"
	TypeInt   = "int"
	TypeFloat = "float"
	TypeBool  = "bool"
)

// EnvPrefix is prepended to upper-cased parameter names when forwarding
// values into step subprocess environments.
const EnvPrefix = "FLOWC_PARAM_"

// Compile turns parameter definitions into compiled specs: deploy-time
// expressions evaluated, types resolved, defaults coerced to the declared
// type. Failures are compile-time and abort with no artifact.
func Compile(defs []schema.ParameterDefinition) ([]schema.ParameterSpec, error) {
	specs := make([]schema.ParameterSpec, 0, len(defs))
	seen := make(map[string]bool, len(defs))

	for i, def := range defs {
		if def.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter at index %d has empty name", i)
		}
		if seen[def.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate parameter: %s", def.Name)
		}
		seen[def.Name] = true

		value := def.Default
		if def.Expr != "" {
			if def.Default != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"parameter %s has both a default and an expression", def.Name)
			}
			out, err := evalDefault(def.Expr)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"parameter %s: default expression failed: %s", def.Name, err.Error()).WithCause(err)
			}
			value = out
		}

		typeName := def.Type
		if typeName == "" {
			typeName = inferType(value)
		}
		if !validType(typeName) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"parameter %s has unknown type %q", def.Name, typeName)
		}

		if value != nil {
			coerced, err := coerce(value, typeName)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"parameter %s: default %v is not a %s", def.Name, value, typeName).WithCause(err)
			}
			value = coerced
		}

		specs = append(specs, schema.ParameterSpec{
			Name:    def.Name,
			Type:    typeName,
			Default: value,
			Help:    def.Help,
		})
	}
	return specs, nil
}

// evalDefault evaluates a deploy-time expression with no environment; only
// self-contained expressions are allowed, so compiles stay deterministic.
func evalDefault(expression string) (any, error) {
	prg, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(prg, map[string]any{})
}

// Resolve merges invocation-time overrides over compiled defaults and
// returns the final parameter values for a run. Unknown names, uncoercible
// values, and missing required parameters (no default) are reported before
// any task executes.
func Resolve(specs []schema.ParameterSpec, overrides map[string]string) (map[string]any, error) {
	byName := make(map[string]schema.ParameterSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	for name := range overrides {
		if _, ok := byName[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeParameter, "unknown parameter: %s", name)
		}
	}

	values := make(map[string]any, len(specs))
	for _, spec := range specs {
		if raw, ok := overrides[spec.Name]; ok {
			v, err := parseValue(raw, spec.Type)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeParameter,
					"parameter %s: %q is not a valid %s", spec.Name, raw, spec.Type).WithCause(err)
			}
			values[spec.Name] = v
			continue
		}
		if spec.Default == nil {
			return nil, schema.NewErrorf(schema.ErrCodeParameter,
				"required parameter %s not provided", spec.Name)
		}
		values[spec.Name] = spec.Default
	}
	return values, nil
}

// ParsePairs parses repeated --param key=value flags.
func ParsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			return nil, schema.NewErrorf(schema.ErrCodeParameter,
				"malformed parameter %q: expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// Env renders resolved parameter values as subprocess environment variables.
func Env(values map[string]any) map[string]string {
	env := make(map[string]string, len(values))
	for name, value := range values {
		env[EnvPrefix+strings.ToUpper(name)] = formatValue(value)
	}
	return env
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func validType(name string) bool {
	switch name {
	case TypeStr, TypeInt, TypeFloat, TypeBool:
		return true
	}
	return false
}

// inferType mirrors deploy-time type inference in the source system:
// the evaluated default's type wins, anything unrecognized is a string.
func inferType(value any) string {
	switch t := value.(type) {
	case bool:
		return TypeBool
	case int, int64:
		return TypeInt
	case float64:
		if t == math.Trunc(t) {
			return TypeInt
		}
		return TypeFloat
	default:
		return TypeStr
	}
}

func coerce(value any, typeName string) (any, error) {
	switch typeName {
	case TypeStr:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case TypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeInt:
		switch t := value.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			if t == math.Trunc(t) {
				return int(t), nil
			}
		}
	case TypeFloat:
		switch t := value.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", value, typeName)
}

func parseValue(raw, typeName string) (any, error) {
	switch typeName {
	case TypeInt:
		return strconv.Atoi(raw)
	case TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case TypeBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

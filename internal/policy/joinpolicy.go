package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowc/pkg/schema"
)

// Join partial-failure policy. Whether a join proceeds when some of its
// aggregated siblings failed must be explicit, never inferred: without a
// predicate the join fails as soon as any sibling failed. The predicate is
// a CEL expression over three int variables:
//
//	succeeded — number of siblings that reached success
//	failed    — number of siblings that failed terminally
//	total     — aggregation width of the enclosing frame
//
// Compiled programs are cached and reused across goroutines.

var (
	siblingEnvOnce sync.Once
	siblingEnv     *cel.Env
	siblingEnvErr  error

	siblingMu    sync.RWMutex
	siblingCache = make(map[string]cel.Program)
)

func siblingEnvironment() (*cel.Env, error) {
	siblingEnvOnce.Do(func() {
		siblingEnv, siblingEnvErr = cel.NewEnv(
			cel.Variable("succeeded", cel.IntType),
			cel.Variable("failed", cel.IntType),
			cel.Variable("total", cel.IntType),
		)
	})
	return siblingEnv, siblingEnvErr
}

// CompileSiblingPredicate compiles (and caches) a predicate, verifying that
// it produces a boolean. Called at mapping time so a bad predicate fails
// the compile, not the run.
func CompileSiblingPredicate(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty predicate")
	}
	_, err := siblingProgram(expression)
	return err
}

// EvalSiblingPredicate decides whether a join may proceed given the sibling
// outcome counts of its enclosing frame.
func EvalSiblingPredicate(expression string, succeeded, failed, total int) (bool, error) {
	prg, err := siblingProgram(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"total":     total,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"predicate %q evaluation failed: %s", expression, err.Error()).WithCause(err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"predicate %q produced %T, want bool", expression, out.Value())
	}
	return result, nil
}

func siblingProgram(expression string) (cel.Program, error) {
	siblingMu.RLock()
	if prg, ok := siblingCache[expression]; ok {
		siblingMu.RUnlock()
		return prg, nil
	}
	siblingMu.RUnlock()

	env, err := siblingEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile predicate %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate %q must produce bool, produces %s", expression, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"program predicate %q: %s", expression, err.Error()).WithCause(err)
	}

	siblingMu.Lock()
	siblingCache[expression] = prg
	siblingMu.Unlock()
	return prg, nil
}

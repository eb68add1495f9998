package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowc/pkg/schema"
)

func writeStepScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "step.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestSubprocessRunner_InputPathsArgument(t *testing.T) {
	dir := t.TempDir()
	script := writeStepScript(t, dir, `printf '%s\n' "$@" > argv.txt`)

	r := NewSubprocessRunner(script, dir)
	_, err := r.RunStep(context.Background(), Invocation{
		RunID:      "r1",
		TaskID:     "t1",
		Step:       "work",
		Instance:   "work",
		InputPaths: []string{"a/1", "b/2"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "argv.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--input-paths\na/1,b/2\n", string(raw))
}

func TestSubprocessRunner_EnvContract(t *testing.T) {
	dir := t.TempDir()
	script := writeStepScript(t, dir,
		`printf '%s\n' "$FLOWC_RUN_ID" "$FLOWC_STEP" "$FLOWC_INPUT_PATHS" "$FLOWC_PARAM_MODE" > env.txt`)

	r := NewSubprocessRunner(script, dir)
	_, err := r.RunStep(context.Background(), Invocation{
		RunID:      "r1",
		TaskID:     "t1",
		Step:       "work",
		Instance:   "work",
		InputPaths: []string{"start/9"},
		Params:     map[string]any{"mode": "fast"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "r1\nwork\nstart/9\nfast\n", string(raw))
}

func TestSubprocessRunner_SideCar(t *testing.T) {
	dir := t.TempDir()
	script := writeStepScript(t, dir, `printf '{"num_splits": 2}' > "$FLOWC_FOREACH_INFO_PATH"`)

	r := NewSubprocessRunner(script, dir)
	res, err := r.RunStep(context.Background(), Invocation{TaskID: "t1", Step: "fan", Instance: "fan"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"num_splits": 2}`, string(res.SideCar))
}

func TestSubprocessRunner_StderrBecomesError(t *testing.T) {
	dir := t.TempDir()
	script := writeStepScript(t, dir, "echo \"boom\" >&2\nexit 3")

	r := NewSubprocessRunner(script, dir)
	_, err := r.RunStep(context.Background(), Invocation{TaskID: "t1", Step: "work", Instance: "work"})
	require.Error(t, err)

	var fcErr *schema.FlowcError
	require.True(t, errors.As(err, &fcErr))
	assert.Equal(t, schema.ErrCodeStepFailed, fcErr.Code)
	assert.Contains(t, fcErr.Message, "boom")
}

func TestSubprocessRunner_NoCommand(t *testing.T) {
	r := NewSubprocessRunner("", t.TempDir())
	_, err := r.RunStep(context.Background(), Invocation{Step: "work"})
	require.Error(t, err)
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowc/internal/params"
	"github.com/rendis/flowc/pkg/schema"
)

// Environment variable contract between the engine and step subprocesses.
const (
	EnvRunID           = "FLOWC_RUN_ID"
	EnvTaskID          = "FLOWC_TASK_ID"
	EnvStep            = "FLOWC_STEP"
	EnvInstance        = "FLOWC_INSTANCE"
	EnvAttempt         = "FLOWC_ATTEMPT"
	EnvInputPaths      = "FLOWC_INPUT_PATHS"
	EnvForeachInfoPath = "FLOWC_FOREACH_INFO_PATH"
)

// Invocation is everything a step needs to execute one task instance.
type Invocation struct {
	RunID      string
	TaskID     string
	Step       string
	Instance   string
	Attempt    int
	InputPaths []string
	Env        map[string]string
	Params     map[string]any
	InfoPath   string // file the step writes its side-car document to
}

// Result is what a completed step attempt reports back. SideCar holds the
// raw side-car document, if the step wrote one.
type Result struct {
	SideCar json.RawMessage
}

// StepRunner executes one attempt of a task instance. Implementations must
// honor ctx cancellation; the engine applies per-attempt timeouts through it.
type StepRunner interface {
	RunStep(ctx context.Context, inv Invocation) (Result, error)
}

// SubprocessRunner shells out to an external step program, the bridge to
// user code living outside the engine process. The command runs under
// `sh -c` with the invocation exposed as FLOWC_* environment variables,
// policy/parameter values merged in, and `--input-paths` appended so the
// step sees its upstream addresses on the command line as well.
type SubprocessRunner struct {
	Command string // executed via sh -c, once per attempt
	Dir     string // working directory; also holds side-car files
}

// NewSubprocessRunner creates a runner for the given step command.
func NewSubprocessRunner(command, dir string) *SubprocessRunner {
	return &SubprocessRunner{Command: command, Dir: dir}
}

func (r *SubprocessRunner) RunStep(ctx context.Context, inv Invocation) (Result, error) {
	if r.Command == "" {
		return Result{}, schema.NewError(schema.ErrCodeExecution, "no step command configured")
	}

	infoPath := inv.InfoPath
	if infoPath == "" {
		infoPath = filepath.Join(r.Dir, fmt.Sprintf("%s-%d.json", inv.TaskID, inv.Attempt))
	}

	script := r.Command + " --input-paths " + shellQuote(strings.Join(inv.InputPaths, ","))
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = r.Dir
	cmd.Env = buildEnv(inv, infoPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, schema.NewErrorf(schema.ErrCodeTimeout,
				"step command timed out").WithStep(inv.Step).WithCause(ctx.Err())
		}
		if ctx.Err() == context.Canceled {
			return Result{}, schema.NewError(schema.ErrCodeCancelled, "step command cancelled").WithStep(inv.Step)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{}, schema.NewErrorf(schema.ErrCodeStepFailed, "%s", msg).WithStep(inv.Step).WithCause(err)
	}

	return Result{SideCar: readSideCar(infoPath)}, nil
}

// buildEnv merges the process environment, policy environment, parameter
// bridge variables, and the engine's invocation contract, in that order so
// later entries win.
func buildEnv(inv Invocation, infoPath string) []string {
	env := os.Environ()
	for _, k := range sortedKeys(inv.Env) {
		env = append(env, k+"="+inv.Env[k])
	}
	paramEnv := params.Env(inv.Params)
	for _, k := range sortedKeys(paramEnv) {
		env = append(env, k+"="+paramEnv[k])
	}
	env = append(env,
		EnvRunID+"="+inv.RunID,
		EnvTaskID+"="+inv.TaskID,
		EnvStep+"="+inv.Step,
		EnvInstance+"="+inv.Instance,
		EnvAttempt+"="+strconv.Itoa(inv.Attempt),
		EnvInputPaths+"="+strings.Join(inv.InputPaths, ","),
		EnvForeachInfoPath+"="+infoPath,
	)
	return env
}

// readSideCar loads the side-car document a step may have written. Absent
// or unreadable files simply mean no side-car.
func readSideCar(path string) json.RawMessage {
	raw, err := os.ReadFile(path)
	if err != nil || !json.Valid(raw) {
		return nil
	}
	return raw
}

// shellQuote single-quotes s for safe interpolation into the sh -c command
// line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

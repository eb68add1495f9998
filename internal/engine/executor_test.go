package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowc/internal/compiler"
	"github.com/rendis/flowc/internal/store"
	"github.com/rendis/flowc/pkg/schema"
)

// fakeRunner scripts per-step behavior and records every invocation.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []Invocation
	sequence []string // instance addresses in completion order
	handlers map[string]func(inv Invocation) (Result, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]func(Invocation) (Result, error))}
}

func (r *fakeRunner) on(step string, fn func(Invocation) (Result, error)) {
	r.handlers[step] = fn
}

func (r *fakeRunner) RunStep(_ context.Context, inv Invocation) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()

	var res Result
	var err error
	if fn, ok := r.handlers[inv.Step]; ok {
		res, err = fn(inv)
	}

	r.mu.Lock()
	r.sequence = append(r.sequence, inv.Instance)
	r.mu.Unlock()
	return res, err
}

func (r *fakeRunner) callsFor(step string) []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invocation
	for _, c := range r.calls {
		if c.Step == step {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRunner) completionIndex(instance string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, addr := range r.sequence {
		if addr == instance {
			return i
		}
	}
	return -1
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compileGraph(t *testing.T, def *schema.FlowDefinition, opts compiler.Options) *schema.TaskGraph {
	t.Helper()
	tg, err := compiler.Compile(def, opts)
	require.NoError(t, err)
	return tg
}

func sideCar(t *testing.T, v any) Result {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return Result{SideCar: raw}
}

func linearGraph(t *testing.T) *schema.TaskGraph {
	return compileGraph(t, &schema.FlowDefinition{
		Name: "linear",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"work"}},
			{Name: "work", Next: []string{"end"}},
			{Name: "end"},
		},
	}, compiler.Options{})
}

func foreachGraph(t *testing.T, annotations ...schema.Annotation) *schema.TaskGraph {
	return compileGraph(t, &schema.FlowDefinition{
		Name: "fanout",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"fan"}},
			{Name: "fan", Type: schema.StepTypeForeach, Foreach: "items", Next: []string{"process"}},
			{Name: "process", Next: []string{"merge"}},
			{Name: "merge", Type: schema.StepTypeJoin, Next: []string{"end"}, Annotations: annotations},
			{Name: "end"},
		},
	}, compiler.Options{})
}

func TestExecute_LinearRun(t *testing.T) {
	runner := newFakeRunner()
	st := store.NewMemoryStore()
	eng := New(linearGraph(t), st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	require.Len(t, runner.calls, 3)
	assert.Less(t, runner.completionIndex("start"), runner.completionIndex("work"))
	assert.Less(t, runner.completionIndex("work"), runner.completionIndex("end"))

	work := runner.callsFor("work")
	require.Len(t, work, 1)
	assert.Len(t, work[0].InputPaths, 1)
	assert.Contains(t, work[0].InputPaths[0], "start/")

	tasks, err := st.ListTasks(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, store.TaskSucceeded, task.Status)
	}
}

func TestExecute_ForeachFanOutAndJoin(t *testing.T) {
	runner := newFakeRunner()
	runner.on("fan", func(Invocation) (Result, error) {
		return sideCar(t, map[string]int{"num_splits": 3}), nil
	})
	st := store.NewMemoryStore()
	eng := New(foreachGraph(t), st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	process := runner.callsFor("process")
	require.Len(t, process, 3, "foreach should spawn exactly one instance per element")
	instances := make([]string, len(process))
	for i, inv := range process {
		instances[i] = inv.Instance
	}
	sort.Strings(instances)
	assert.Equal(t, []string{"process[0]", "process[1]", "process[2]"}, instances)

	merge := runner.callsFor("merge")
	require.Len(t, merge, 1, "join must execute exactly once")
	assert.Len(t, merge[0].InputPaths, 3)
	for _, inst := range []string{"process[0]", "process[1]", "process[2]"} {
		assert.Less(t, runner.completionIndex(inst), runner.completionIndex("merge"),
			"join must run after every sibling terminated")
	}

	notices, err := st.ListNotices(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, notices)
	assert.Equal(t, store.NoticeFanOut, notices[0].Kind)
	assert.JSONEq(t, `{"iterable":"items","width":3}`, string(notices[0].Payload))
}

func TestExecute_ForeachWidthZero(t *testing.T) {
	runner := newFakeRunner()
	runner.on("fan", func(Invocation) (Result, error) {
		return sideCar(t, map[string]int{"num_splits": 0}), nil
	})
	eng := New(foreachGraph(t), store.NewMemoryStore(), runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Empty(t, runner.callsFor("process"))

	merge := runner.callsFor("merge")
	require.Len(t, merge, 1)
	assert.Empty(t, merge[0].InputPaths)
}

func TestExecute_ForeachWithoutSideCarFails(t *testing.T) {
	runner := newFakeRunner()
	eng := New(foreachGraph(t), store.NewMemoryStore(), runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Empty(t, runner.callsFor("process"))
}

func TestExecute_ForeachFailureSparesOtherBranches(t *testing.T) {
	tg := compileGraph(t, &schema.FlowDefinition{
		Name: "mixed",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"fan", "b1"}},
			{Name: "fan", Type: schema.StepTypeForeach, Foreach: "items", Next: []string{"process"}},
			{Name: "process", Next: []string{"merge"}},
			{Name: "merge", Type: schema.StepTypeJoin, Next: []string{"end"}},
			{Name: "b1", Next: []string{"b2"}},
			{Name: "b2", Next: []string{"b3"}},
			{Name: "b3", Next: []string{"end"}},
			{Name: "end"},
		},
	}, compiler.Options{})

	runner := newFakeRunner()
	runner.on("fan", func(Invocation) (Result, error) {
		return Result{}, errors.New("cannot split")
	})
	st := store.NewMemoryStore()
	eng := New(tg, st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)

	// Only descendants of the failed fan-out are dropped; the other branch
	// runs to its last step.
	assert.Len(t, runner.callsFor("b2"), 1)
	assert.Len(t, runner.callsFor("b3"), 1)
	assert.Empty(t, runner.callsFor("process"))
	assert.Empty(t, runner.callsFor("merge"))

	tasks, err := st.ListTasks(context.Background(), run.ID)
	require.NoError(t, err)
	byStep := make(map[string]*store.TaskRecord)
	for _, task := range tasks {
		byStep[task.Step] = task
	}
	assert.Equal(t, store.TaskFailed, byStep["fan"].Status)
	assert.Equal(t, store.TaskFailed, byStep["merge"].Status)
	assert.Contains(t, byStep["merge"].Error, "sibling")
	assert.Equal(t, store.TaskSucceeded, byStep["b3"].Status)
	assert.Equal(t, store.TaskFailed, byStep["end"].Status)
}

func TestExecute_BranchesRunIndependently(t *testing.T) {
	tg := compileGraph(t, &schema.FlowDefinition{
		Name: "branch",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"a", "b"}},
			{Name: "a", Next: []string{"end"}},
			{Name: "b", Next: []string{"end"}},
			{Name: "end"},
		},
	}, compiler.Options{})

	runner := newFakeRunner()
	st := store.NewMemoryStore()
	eng := New(tg, st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	a := runner.callsFor("a")
	b := runner.callsFor("b")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Contains(t, a[0].InputPaths[0], "start/")
	assert.Contains(t, b[0].InputPaths[0], "start/")

	end := runner.callsFor("end")
	require.Len(t, end, 1)
	assert.Len(t, end[0].InputPaths, 2)
}

func TestExecute_RetryExactness(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "retrying",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"flaky"}},
			{Name: "flaky", Next: []string{"end"}, Annotations: []schema.Annotation{
				{Kind: schema.AnnotationRetry, Attrs: json.RawMessage(`{"times":3}`)},
			}},
			{Name: "end"},
		},
	}
	tg := compileGraph(t, def, compiler.Options{})

	var failures int
	runner := newFakeRunner()
	runner.on("flaky", func(Invocation) (Result, error) {
		if failures < 2 {
			failures++
			return Result{}, errors.New("transient failure")
		}
		return Result{}, nil
	})
	eng := New(tg, store.NewMemoryStore(), runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	flaky := runner.callsFor("flaky")
	require.Len(t, flaky, 3, "two failures then one success")
	assert.Equal(t, 0, flaky[0].Attempt)
	assert.Equal(t, 1, flaky[1].Attempt)
	assert.Equal(t, 2, flaky[2].Attempt)
}

func TestExecute_RetryExhausted(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "hopeless",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"broken"}},
			{Name: "broken", Next: []string{"end"}, Annotations: []schema.Annotation{
				{Kind: schema.AnnotationRetry, Attrs: json.RawMessage(`{"times":2}`)},
			}},
			{Name: "end"},
		},
	}
	tg := compileGraph(t, def, compiler.Options{})

	runner := newFakeRunner()
	runner.on("broken", func(Invocation) (Result, error) {
		return Result{}, errors.New("always broken")
	})
	st := store.NewMemoryStore()
	eng := New(tg, st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Len(t, runner.callsFor("broken"), 3)
	assert.Empty(t, runner.callsFor("end"), "downstream steps are skipped after a failure")

	tasks, err := st.ListTasks(context.Background(), run.ID)
	require.NoError(t, err)
	byStep := make(map[string]*store.TaskRecord)
	for _, task := range tasks {
		byStep[task.Step] = task
	}
	assert.Equal(t, store.TaskFailed, byStep["broken"].Status)
	assert.Contains(t, byStep["broken"].Error, "3 attempts")
	assert.Equal(t, store.TaskSkipped, byStep["end"].Status)
}

func TestExecute_JoinFailsWhenSiblingFailed(t *testing.T) {
	runner := newFakeRunner()
	runner.on("fan", func(Invocation) (Result, error) {
		return sideCar(t, map[string]int{"num_splits": 2}), nil
	})
	runner.on("process", func(inv Invocation) (Result, error) {
		if inv.Instance == "process[1]" {
			return Result{}, errors.New("bad element")
		}
		return Result{}, nil
	})
	st := store.NewMemoryStore()
	eng := New(foreachGraph(t), st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Empty(t, runner.callsFor("merge"), "join without a policy must not run over failures")

	tasks, _ := st.ListTasks(context.Background(), run.ID)
	var mergeTask *store.TaskRecord
	for _, task := range tasks {
		if task.Step == "merge" {
			mergeTask = task
		}
	}
	require.NotNil(t, mergeTask)
	assert.Equal(t, store.TaskFailed, mergeTask.Status)
	assert.Contains(t, mergeTask.Error, "sibling")
}

func TestExecute_JoinPolicyToleratesFailures(t *testing.T) {
	tg := foreachGraph(t, schema.Annotation{
		Kind:  schema.AnnotationJoinPolicy,
		Attrs: json.RawMessage(`{"on_sibling_failure":"succeeded > 0"}`),
	})

	runner := newFakeRunner()
	runner.on("fan", func(Invocation) (Result, error) {
		return sideCar(t, map[string]int{"num_splits": 3}), nil
	})
	runner.on("process", func(inv Invocation) (Result, error) {
		if inv.Instance == "process[2]" {
			return Result{}, errors.New("bad element")
		}
		return Result{}, nil
	})
	st := store.NewMemoryStore()
	eng := New(tg, st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.Error(t, err, "the failed sibling still fails the run")
	assert.Equal(t, store.RunFailed, run.Status)

	merge := runner.callsFor("merge")
	require.Len(t, merge, 1, "the predicate lets the join aggregate partial results")
	assert.Len(t, merge[0].InputPaths, 2, "only successful siblings are aggregated")
}

func TestExecute_ParameterBridge(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "params",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"end"}},
			{Name: "end"},
		},
		Parameters: []schema.ParameterDefinition{
			{Name: "alpha", Type: "float", Default: 0.25},
			{Name: "mode", Default: "fast"},
		},
	}
	tg := compileGraph(t, def, compiler.Options{})

	runner := newFakeRunner()
	eng := New(tg, store.NewMemoryStore(), runner, testLogger())

	run, err := eng.Execute(context.Background(), map[string]string{"mode": "slow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.25, run.Parameters["alpha"])
	assert.Equal(t, "slow", run.Parameters["mode"])

	start := runner.callsFor("start")
	require.Len(t, start, 1)
	assert.Equal(t, "slow", start[0].Params["mode"])
}

func TestExecute_PolicyEnvReachesRunner(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "env",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"end"}, Annotations: []schema.Annotation{
				{Kind: schema.AnnotationEnvironment, Attrs: json.RawMessage(`{"vars":{"MODE":"fast"}}`)},
			}},
			{Name: "end"},
		},
	}
	tg := compileGraph(t, def, compiler.Options{})

	runner := newFakeRunner()
	eng := New(tg, store.NewMemoryStore(), runner, testLogger())

	_, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	start := runner.callsFor("start")
	require.Len(t, start, 1)
	assert.Equal(t, "fast", start[0].Env["MODE"])
}

func TestExecute_ArtifactNotice(t *testing.T) {
	runner := newFakeRunner()
	runner.on("work", func(Invocation) (Result, error) {
		return sideCar(t, map[string]any{"values": map[string]any{"rows": 42}}), nil
	})
	st := store.NewMemoryStore()
	eng := New(linearGraph(t), st, runner, testLogger())

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)

	notices, err := st.ListNotices(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, store.NoticeArtifact, notices[0].Kind)
	assert.Equal(t, "work", notices[0].Step)
	assert.JSONEq(t, `{"values":{"rows":42}}`, string(notices[0].Payload))
}

func TestExecute_ArtifactNoticeLogged(t *testing.T) {
	runner := newFakeRunner()
	runner.on("work", func(Invocation) (Result, error) {
		return sideCar(t, map[string]any{"report": "ready", "rows": 42}), nil
	})
	st := store.NewMemoryStore()

	var buf bytes.Buffer
	eng := New(linearGraph(t), st, runner, slog.New(slog.NewTextHandler(&buf, nil)))

	run, err := eng.Execute(context.Background(), nil, nil)
	require.NoError(t, err)

	tasks, err := st.ListTasks(context.Background(), run.ID)
	require.NoError(t, err)
	var workID string
	for _, task := range tasks {
		if task.Step == "work" {
			workID = task.ID
		}
	}
	require.NotEmpty(t, workID)

	out := buf.String()
	assert.Contains(t, out, "artifacts available")
	assert.Contains(t, out, "report, rows")
	assert.Contains(t, out, "run "+run.ID)
	assert.Contains(t, out, "work/"+workID)
}

func TestExecute_TagsAppendedOnce(t *testing.T) {
	tg := compileGraph(t, &schema.FlowDefinition{
		Name: "tagged",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"end"}},
			{Name: "end"},
		},
	}, compiler.Options{Tags: []string{"team:data"}})

	eng := New(tg, store.NewMemoryStore(), newFakeRunner(), testLogger())
	run, err := eng.Execute(context.Background(), nil, []string{"adhoc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"team:data", "adhoc"}, run.Tags)
}

func TestExecute_UnknownParameterOverride(t *testing.T) {
	runner := newFakeRunner()
	eng := New(linearGraph(t), store.NewMemoryStore(), runner, testLogger())

	_, err := eng.Execute(context.Background(), map[string]string{"ghost": "1"}, nil)
	require.Error(t, err)
	assert.Empty(t, runner.calls, "no task may run when parameters do not resolve")
}

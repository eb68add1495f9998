package compiler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowc/pkg/schema"
)

func mustCompile(t *testing.T, def *schema.FlowDefinition, opts Options) *schema.TaskGraph {
	t.Helper()
	tg, err := Compile(def, opts)
	require.NoError(t, err)
	require.NotNil(t, tg)
	return tg
}

func taskByStep(t *testing.T, tg *schema.TaskGraph, step string) schema.TaskTemplate {
	t.Helper()
	for _, task := range tg.Tasks {
		if task.Step == step {
			return task
		}
	}
	t.Fatalf("task graph has no template for step %q: %+v", step, tg.Tasks)
	return schema.TaskTemplate{}
}

func rawAttrs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func linearDef() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name: "linear_flow",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"end"}},
			{Name: "end"},
		},
	}
}

func branchDef() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name: "branch_flow",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"a", "b"}},
			{Name: "a", Next: []string{"end"}},
			{Name: "b", Next: []string{"end"}},
			{Name: "end"},
		},
	}
}

func foreachDef() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name: "foreach_flow",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"fan"}},
			{Name: "fan", Type: schema.StepTypeForeach, Foreach: "items", Next: []string{"process"}},
			{Name: "process", Next: []string{"merge"}},
			{Name: "merge", Type: schema.StepTypeJoin, Next: []string{"end"}},
			{Name: "end"},
		},
	}
}

func TestCompile_LinearFlow(t *testing.T) {
	tg := mustCompile(t, linearDef(), Options{})

	require.Len(t, tg.Tasks, 2)
	assert.Equal(t, "start", tg.Tasks[0].Step)
	assert.Equal(t, "end", tg.Tasks[1].Step)
	assert.Empty(t, tg.Tasks[0].Upstream)
	require.Len(t, tg.Tasks[1].Upstream, 1)
	assert.Equal(t, "start", tg.Tasks[1].Upstream[0].Step)
	assert.Equal(t, "linear_flow", tg.DeploymentName)
}

func TestCompile_BranchFlow(t *testing.T) {
	tg := mustCompile(t, branchDef(), Options{})

	a := taskByStep(t, tg, "a")
	b := taskByStep(t, tg, "b")

	// Siblings depend only on the split, never on each other.
	require.Len(t, a.Upstream, 1)
	require.Len(t, b.Upstream, 1)
	assert.Equal(t, "start", a.Upstream[0].Step)
	assert.Equal(t, "a", a.Upstream[0].Branch)
	assert.Equal(t, "start", b.Upstream[0].Step)
	assert.Equal(t, "b", b.Upstream[0].Branch)

	end := taskByStep(t, tg, "end")
	require.NotNil(t, end.Barrier)
	assert.Equal(t, "split", end.Barrier.Kind)
	assert.Equal(t, "start", end.Barrier.Frame)
	assert.Equal(t, 2, end.Barrier.Width)
}

func TestCompile_ForeachFlow(t *testing.T) {
	tg := mustCompile(t, foreachDef(), Options{})

	fan := taskByStep(t, tg, "fan")
	require.NotNil(t, fan.Expansion)
	assert.Equal(t, "items", fan.Expansion.Iterable)
	assert.Equal(t, DefaultWidthQuery, fan.Expansion.WidthQuery)

	process := taskByStep(t, tg, "process")
	require.Len(t, process.Context, 1)
	assert.Equal(t, "foreach", process.Context[0].Kind)
	assert.Equal(t, "fan", process.Context[0].Source)
	require.Len(t, process.Upstream, 1)
	assert.Equal(t, "fan", process.Upstream[0].Frame)

	merge := taskByStep(t, tg, "merge")
	require.NotNil(t, merge.Barrier)
	assert.Equal(t, "foreach", merge.Barrier.Kind)
	assert.Equal(t, "fan", merge.Barrier.Frame)
	// Foreach width is a run-time value; the barrier stays open-width.
	assert.Zero(t, merge.Barrier.Width)
}

func TestCompile_PolicyMapping(t *testing.T) {
	def := linearDef()
	def.Steps[0].Annotations = []schema.Annotation{
		{Kind: schema.AnnotationRetry, Attrs: rawAttrs(t, schema.RetryAttrs{Times: 3, MinutesBetweenRetries: 2})},
		{Kind: schema.AnnotationTimeout, Attrs: rawAttrs(t, schema.TimeoutAttrs{Minutes: 10})},
		{Kind: schema.AnnotationEnvironment, Attrs: rawAttrs(t, schema.EnvironmentAttrs{Vars: map[string]string{"MODE": "fast"}})},
	}

	tg := mustCompile(t, def, Options{})
	cfg := taskByStep(t, tg, "start").Config
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 120, cfg.RetryDelaySeconds)
	assert.Equal(t, 600, cfg.TimeoutSeconds)
	assert.Equal(t, "fast", cfg.Env["MODE"])
}

func TestCompile_UnsupportedAnnotationProducesNoGraph(t *testing.T) {
	def := linearDef()
	def.Steps[0].Annotations = []schema.Annotation{
		{Kind: "parallel", Attrs: rawAttrs(t, map[string]any{})},
	}

	tg, err := Compile(def, Options{})
	assert.Nil(t, tg)
	require.Error(t, err)
	var fErr *schema.FlowcError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeUnsupportedPolicy, fErr.Code)
	assert.Equal(t, "parallel", fErr.Details["annotation"])
}

func TestCompile_FlowLevelScheduleAndProject(t *testing.T) {
	def := linearDef()
	def.Annotations = []schema.Annotation{
		{Kind: schema.AnnotationSchedule, Attrs: rawAttrs(t, schema.ScheduleAttrs{Daily: true})},
		{Kind: schema.AnnotationProject, Attrs: rawAttrs(t, schema.ProjectAttrs{Name: "analytics"})},
	}

	tg := mustCompile(t, def, Options{})
	assert.Equal(t, "0 0 * * *", tg.ScheduleCron)
	assert.Equal(t, "analytics.linear_flow", tg.DeploymentName)
}

func TestCompile_WithInjection(t *testing.T) {
	tg := mustCompile(t, foreachDef(), Options{
		With: []string{"retry:times=2,minutes_between_retries=1"},
	})

	for _, step := range []string{"start", "fan", "process", "merge", "end"} {
		cfg := taskByStep(t, tg, step).Config
		assert.Equal(t, 2, cfg.Retries, "step %s", step)
		assert.Equal(t, 60, cfg.RetryDelaySeconds, "step %s", step)
	}
}

func TestCompile_WithInjectionStepOverrides(t *testing.T) {
	def := linearDef()
	def.Steps[0].Annotations = []schema.Annotation{
		{Kind: schema.AnnotationRetry, Attrs: rawAttrs(t, schema.RetryAttrs{Times: 5})},
	}

	tg := mustCompile(t, def, Options{With: []string{"retry:times=1"}})
	// Step-level annotations land after injected ones and win.
	assert.Equal(t, 5, taskByStep(t, tg, "start").Config.Retries)
}

func TestCompile_Parameters(t *testing.T) {
	def := linearDef()
	def.Parameters = []schema.ParameterDefinition{
		{Name: "alpha", Default: 0.5, Help: "learning rate"},
		{Name: "workers", Type: "int", Expr: "4 * 4"},
	}

	tg := mustCompile(t, def, Options{})
	require.Len(t, tg.Parameters, 2)
	assert.Equal(t, "alpha", tg.Parameters[0].Name)
	assert.Equal(t, "float", tg.Parameters[0].Type)
	assert.Equal(t, "workers", tg.Parameters[1].Name)
	assert.Equal(t, 16, tg.Parameters[1].Default)
}

func TestCompile_ConfigDefaults(t *testing.T) {
	tg := mustCompile(t, linearDef(), Options{})
	assert.Equal(t, "local", tg.Config.MetadataKind)
	assert.Equal(t, "local", tg.Config.DatastoreKind)
	assert.Equal(t, defaultMaxWorkers, tg.Config.MaxWorkers)

	tg = mustCompile(t, linearDef(), Options{
		MetadataKind:  "libsql",
		DatastoreKind: "s3",
		MaxWorkers:    4,
	})
	assert.Equal(t, "libsql", tg.Config.MetadataKind)
	assert.Equal(t, "s3", tg.Config.DatastoreKind)
	assert.Equal(t, 4, tg.Config.MaxWorkers)
}

func TestCompile_Deterministic(t *testing.T) {
	opts := Options{Tags: []string{"team:data"}, With: []string{"timeout:minutes=5"}}

	first, err := Marshal(mustCompile(t, foreachDef(), opts))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Marshal(mustCompile(t, foreachDef(), opts))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestCompile_StructuralErrorProducesNoGraph(t *testing.T) {
	def := &schema.FlowDefinition{
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			{Name: "start", Next: []string{"a"}},
			{Name: "a", Next: []string{"b"}},
			{Name: "b", Next: []string{"a", "end"}},
			{Name: "end"},
		},
	}
	tg, err := Compile(def, Options{})
	assert.Nil(t, tg)
	require.Error(t, err)
}

func TestWriteAndReadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifacts", "flow.json")

	tg := mustCompile(t, foreachDef(), Options{})
	require.NoError(t, WriteArtifact(path, tg))

	loaded, err := ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, tg.Flow, loaded.Flow)
	assert.Len(t, loaded.Tasks, len(tg.Tasks))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

func TestReadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.json")
	raw, err := json.Marshal(branchDef())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	def, err := ReadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "branch_flow", def.Name)

	_, err = ReadDefinition(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

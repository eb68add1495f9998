package compiler

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowc/internal/graph"
	"github.com/rendis/flowc/internal/params"
	"github.com/rendis/flowc/internal/policy"
	"github.com/rendis/flowc/internal/validation"
	"github.com/rendis/flowc/pkg/schema"
)

// DefaultWidthQuery extracts the fan-out width from a foreach side-car
// document.
const DefaultWidthQuery = ".num_splits"

const defaultMaxWorkers = 16

// Options is the compile-time configuration resolved once by the CLI from
// flags and environment. The compiler never reads the environment itself.
type Options struct {
	MetadataKind           string
	DatastoreKind          string
	Username               string
	MaxWorkers             int
	WorkflowTimeoutSeconds int
	Tags                   []string
	With                   []string // --with policy-specs, injected into every step
	DeploymentName         string   // optional override of the derived name
}

// Compile translates a flow definition into its executable task graph.
// The pipeline is validate, analyze, map policies, compile parameters, emit;
// any failure aborts with a structured error and no artifact is produced.
func Compile(def *schema.FlowDefinition, opts Options) (*schema.TaskGraph, error) {
	if err := validation.Validate(def); err != nil {
		return nil, err
	}

	flow, err := graph.Analyze(def)
	if err != nil {
		return nil, err
	}

	flowCfg, err := policy.MapFlow(def)
	if err != nil {
		return nil, err
	}

	injected, err := parseWithSpecs(opts.With)
	if err != nil {
		return nil, err
	}

	specs, err := params.Compile(def.Parameters)
	if err != nil {
		return nil, err
	}

	tasks := make([]schema.TaskTemplate, 0, len(flow.Order))
	for _, name := range flow.Order {
		task, err := emitTask(flow, flow.Nodes[name], injected)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	deployment := opts.DeploymentName
	if deployment == "" {
		deployment = policy.DeploymentName(flow.Name, flowCfg.ProjectName)
	}

	return &schema.TaskGraph{
		Flow:           flow.Name,
		Description:    flow.Description,
		DeploymentName: deployment,
		ScheduleCron:   flowCfg.ScheduleCron,
		Tasks:          tasks,
		Parameters:     specs,
		Config:         compiledConfig(opts),
	}, nil
}

// emitTask builds the template for one analyzed node: injected annotations
// first (so step-level annotations override them), then the node's own.
func emitTask(flow *graph.Flow, node *graph.Node, injected []schema.Annotation) (schema.TaskTemplate, error) {
	applied := applicable(injected, node)
	if len(applied) > 0 {
		node = withAnnotations(node, applied)
	}

	cfg, err := policy.MapStep(node)
	if err != nil {
		return schema.TaskTemplate{}, err
	}

	task := schema.TaskTemplate{
		Step:     node.Name,
		Type:     node.Type,
		Upstream: upstreamRefs(flow, node),
		Context:  contextFrames(node.Context),
		Config:   cfg,
	}

	if node.Type == schema.StepTypeForeach {
		if _, err := gojq.Parse(DefaultWidthQuery); err != nil {
			return schema.TaskTemplate{}, schema.NewErrorf(schema.ErrCodeStructural,
				"invalid width query %q: %s", DefaultWidthQuery, err.Error()).WithStep(node.Name).WithCause(err)
		}
		task.Expansion = &schema.ExpansionPoint{
			Iterable:   node.Foreach,
			WidthQuery: DefaultWidthQuery,
		}
	}

	if node.JoinedFrame != nil {
		task.Barrier = barrierFor(flow, node)
	}

	return task, nil
}

// upstreamRefs tags each in-edge with the frame or branch it was traversed
// under, so instance expansion can route dependencies at run time.
func upstreamRefs(flow *graph.Flow, node *graph.Node) []schema.UpstreamRef {
	if len(node.In) == 0 {
		return nil
	}
	refs := make([]schema.UpstreamRef, 0, len(node.In))
	for _, predName := range node.In {
		pred := flow.Nodes[predName]
		ref := schema.UpstreamRef{Step: predName}
		switch {
		case pred.Type == schema.StepTypeForeach:
			ref.Frame = predName
		case len(pred.Next) > 1:
			ref.Branch = node.Name
		}
		refs = append(refs, ref)
	}
	return refs
}

// barrierFor emits the join's synchronization barrier. A split join has a
// fixed width (the branch count of the split it closes); a foreach join's
// width is a run-time value and stays zero until expansion.
func barrierFor(flow *graph.Flow, node *graph.Node) *schema.Barrier {
	barrier := &schema.Barrier{
		Kind:  node.JoinedFrame.Kind,
		Frame: node.JoinedFrame.Source,
	}
	if node.IsSplitJoin {
		barrier.Width = len(flow.Nodes[node.JoinedFrame.Source].Next)
	}
	return barrier
}

func contextFrames(frames []graph.Frame) []schema.ContextFrame {
	if len(frames) == 0 {
		return nil
	}
	out := make([]schema.ContextFrame, len(frames))
	for i, f := range frames {
		out[i] = schema.ContextFrame{Kind: f.Kind, Source: f.Source, Branch: f.Branch}
	}
	return out
}

func parseWithSpecs(specs []string) ([]schema.Annotation, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	anns := make([]schema.Annotation, 0, len(specs))
	for _, spec := range specs {
		ann, err := policy.ParseWithSpec(spec)
		if err != nil {
			return nil, err
		}
		anns = append(anns, ann)
	}
	return anns, nil
}

// applicable filters injected annotations per node: join_policy only lands
// on join-capable steps, everything else on every step.
func applicable(injected []schema.Annotation, node *graph.Node) []schema.Annotation {
	var out []schema.Annotation
	for _, ann := range injected {
		if ann.Kind == schema.AnnotationJoinPolicy && node.JoinedFrame == nil {
			continue
		}
		out = append(out, ann)
	}
	return out
}

// withAnnotations shallow-copies the node with injected annotations
// prepended, leaving the analyzed flow untouched.
func withAnnotations(node *graph.Node, injected []schema.Annotation) *graph.Node {
	clone := *node
	clone.Annotations = make([]schema.Annotation, 0, len(injected)+len(node.Annotations))
	clone.Annotations = append(clone.Annotations, injected...)
	clone.Annotations = append(clone.Annotations, node.Annotations...)
	return &clone
}

func compiledConfig(opts Options) schema.CompiledConfig {
	cfg := schema.CompiledConfig{
		MetadataKind:           opts.MetadataKind,
		DatastoreKind:          opts.DatastoreKind,
		Username:               opts.Username,
		MaxWorkers:             opts.MaxWorkers,
		WorkflowTimeoutSeconds: opts.WorkflowTimeoutSeconds,
		Tags:                   opts.Tags,
		WithAnnotations:        opts.With,
	}
	if cfg.MetadataKind == "" {
		cfg.MetadataKind = "local"
	}
	if cfg.DatastoreKind == "" {
		cfg.DatastoreKind = "local"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	return cfg
}

// Marshal renders the artifact as indented canonical JSON. Field order is
// fixed by the struct layout, so equal graphs serialize byte-identically.
func Marshal(tg *schema.TaskGraph) ([]byte, error) {
	raw, err := json.MarshalIndent(tg, "", "  ")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to serialize task graph").WithCause(err)
	}
	return append(raw, '\n'), nil
}

// WriteArtifact serializes the graph to path, creating parent directories.
func WriteArtifact(path string, tg *schema.TaskGraph) error {
	raw, err := Marshal(tg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "failed to create artifact directory: %s", err.Error()).WithCause(err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "failed to write artifact: %s", err.Error()).WithCause(err)
	}
	return nil
}

// ReadArtifact loads a previously compiled task graph.
func ReadArtifact(path string) (*schema.TaskGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "failed to read artifact %s: %s", path, err.Error()).WithCause(err)
	}
	var tg schema.TaskGraph
	if err := json.Unmarshal(raw, &tg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "artifact %s is not a valid task graph: %s", path, err.Error()).WithCause(err)
	}
	return &tg, nil
}

// ReadDefinition loads a flow definition from a JSON file.
func ReadDefinition(path string) (*schema.FlowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "failed to read flow definition %s: %s", path, err.Error()).WithCause(err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"flow definition %s is not valid JSON: %s", path, err.Error()).WithCause(err)
	}
	return &def, nil
}

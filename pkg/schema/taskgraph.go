package schema

// TaskGraph is the compiled artifact: the target-runtime task graph for one
// flow plus the immutable configuration baked in at compile time. It is the
// only thing the engine needs to execute a run, and it serializes to
// canonical JSON for `flowc create`.
type TaskGraph struct {
	Flow           string          `json:"flow"`
	Description    string          `json:"description,omitempty"`
	DeploymentName string          `json:"deployment_name"`
	ScheduleCron   string          `json:"schedule_cron,omitempty"`
	Tasks          []TaskTemplate  `json:"tasks"` // topological order
	Parameters     []ParameterSpec `json:"parameters,omitempty"`
	Config         CompiledConfig  `json:"config"`
}

// TaskTemplate is the compiled form of one step: its mapped configuration,
// its upstream references, and — where applicable — its dynamic expansion
// point or join barrier.
type TaskTemplate struct {
	Step      string          `json:"step"`
	Type      StepType        `json:"type"`
	Upstream  []UpstreamRef   `json:"upstream,omitempty"`
	Context   []ContextFrame  `json:"context,omitempty"` // innermost frame last
	Config    TaskConfig      `json:"config"`
	Expansion *ExpansionPoint `json:"expansion,omitempty"` // foreach steps only
	Barrier   *Barrier        `json:"barrier,omitempty"`   // join steps only
}

// UpstreamRef identifies one direct predecessor and the split context the
// edge was traversed under, so the task can tell which upstream copy it
// depends on.
type UpstreamRef struct {
	Step   string `json:"step"`
	Branch string `json:"branch,omitempty"`  // branch id, for split out-edges
	Frame  string `json:"frame,omitempty"`   // foreach-source step, for foreach out-edges
}

// ContextFrame is one entry of a step's split context stack.
type ContextFrame struct {
	Kind   string `json:"kind"` // split | foreach
	Source string `json:"source"`
	Branch string `json:"branch,omitempty"` // split frames only
}

// TaskConfig is the target-runtime configuration mapped from a step's
// policy annotations.
type TaskConfig struct {
	Retries           int               `json:"retries,omitempty"`
	RetryDelaySeconds int               `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	OnSiblingFailure  string            `json:"on_sibling_failure,omitempty"` // CEL predicate, joins only
}

// ExpansionPoint marks a foreach step: after the step's task completes and
// materializes its iterable, the runtime spawns one instance of each body
// step per element. Width is a run-time value, never a compile-time one.
type ExpansionPoint struct {
	Iterable   string `json:"iterable"`
	WidthQuery string `json:"width_query"` // jq query over the side-car document
}

// Barrier marks a join step: the join instance becomes invocable only once
// all sibling instances of the enclosing frame are terminal. Width is fixed
// for split joins and deferred (0) for foreach joins.
type Barrier struct {
	Kind  string `json:"kind"`  // split | foreach
	Frame string `json:"frame"` // the split/foreach source step being closed
	Width int    `json:"width,omitempty"`
}

// ParameterSpec is a compiled flow parameter: defaults already evaluated,
// ready to expose on the artifact's invocation surface.
type ParameterSpec struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default"`
	Help    string `json:"help,omitempty"`
}

// CompiledConfig is the immutable compile-time configuration baked into the
// artifact. It is resolved once from flags and environment at compile time
// and never re-read at run time.
type CompiledConfig struct {
	MetadataKind           string   `json:"metadata_kind"`
	DatastoreKind          string   `json:"datastore_kind"`
	Username               string   `json:"username,omitempty"`
	MaxWorkers             int      `json:"max_workers"`
	WorkflowTimeoutSeconds int      `json:"workflow_timeout_seconds,omitempty"`
	Tags                   []string `json:"tags,omitempty"`
	WithAnnotations        []string `json:"with_annotations,omitempty"`
}

package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable source pipeline format.
// It is produced by an external frontend (the textual pipeline parser is not
// part of flowc) and consumed by the compiler.
type FlowDefinition struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Steps       []StepDefinition      `json:"steps"`
	Parameters  []ParameterDefinition `json:"parameters,omitempty"`
	Annotations []Annotation          `json:"annotations,omitempty"` // flow-level (schedule, project, ...)
	Tags        []string              `json:"tags,omitempty"`
}

// StepDefinition describes a single step in the source graph.
type StepDefinition struct {
	Name        string       `json:"name"`
	Type        StepType     `json:"type,omitempty"` // derived default: linear (start/end by name)
	Next        []string     `json:"next,omitempty"` // direct successors, in declaration order
	Foreach     string       `json:"foreach,omitempty"` // name of the run-time iterable (foreach steps only)
	Annotations []Annotation `json:"annotations,omitempty"`
}

// StartStepName and EndStepName are the mandatory boundary steps of every flow.
const (
	StartStepName = "start"
	EndStepName   = "end"
)

// StepType enumerates the kinds of steps in a flow graph.
type StepType string

const (
	StepTypeStart   StepType = "start"
	StepTypeLinear  StepType = "linear"
	StepTypeSplit   StepType = "split"
	StepTypeForeach StepType = "foreach"
	StepTypeJoin    StepType = "join"
	StepTypeEnd     StepType = "end"
)

// Annotation is one execution-policy directive on a step or flow.
// Kind is a closed set at mapping time; unrecognized kinds are rejected by
// the policy mapper, never approximated. Attrs is decoded per kind.
type Annotation struct {
	Kind  string          `json:"kind"`
	Attrs json.RawMessage `json:"attrs,omitempty"`
}

// Recognized annotation kinds.
const (
	AnnotationRetry       = "retry"
	AnnotationTimeout     = "timeout"
	AnnotationEnvironment = "environment"
	AnnotationSchedule    = "schedule"
	AnnotationProject     = "project"
	AnnotationJoinPolicy  = "join_policy"
)

// RetryAttrs is the attribute block for retry annotations.
type RetryAttrs struct {
	Times                 int `json:"times"`
	MinutesBetweenRetries int `json:"minutes_between_retries,omitempty"`
}

// TimeoutAttrs is the attribute block for timeout annotations.
// Fields are summed into a single second count.
type TimeoutAttrs struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
}

// EnvironmentAttrs is the attribute block for environment annotations.
type EnvironmentAttrs struct {
	Vars map[string]string `json:"vars"`
}

// ScheduleAttrs is the attribute block for schedule annotations.
// Exactly one of Cron or a shorthand should be set.
type ScheduleAttrs struct {
	Cron   string `json:"cron,omitempty"`
	Weekly bool   `json:"weekly,omitempty"`
	Daily  bool   `json:"daily,omitempty"`
	Hourly bool   `json:"hourly,omitempty"`
}

// ProjectAttrs is the attribute block for project annotations.
type ProjectAttrs struct {
	Name string `json:"name"`
}

// JoinPolicyAttrs is the attribute block for join_policy annotations.
// OnSiblingFailure is a CEL predicate over {succeeded, failed, total}
// deciding whether the join proceeds with partial results. Without it a
// join fails when any aggregated sibling failed.
type JoinPolicyAttrs struct {
	OnSiblingFailure string `json:"on_sibling_failure"`
}

// ParameterDefinition declares one flow-level parameter.
// Either Default (a literal) or Expr (a deploy-time expression evaluated
// once at compile time) provides the default value.
type ParameterDefinition struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"` // str | int | float | bool (default: str)
	Default any    `json:"default,omitempty"`
	Expr    string `json:"expr,omitempty"`
	Help    string `json:"help,omitempty"`
}

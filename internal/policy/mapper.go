package policy

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowc/internal/graph"
	"github.com/rendis/flowc/pkg/schema"
)

// The mapper is a pure translation of recognized policy annotations into
// target-runtime task configuration. The annotation set is closed and
// matched exhaustively: anything outside it fails compilation identifying
// the offending annotation. Mappings are exact, never approximate.

// cronParser validates schedule(cron) expressions at compile time using the
// standard five-field layout.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule shorthands, expanded the same way the source system expands them.
const (
	cronWeekly = "0 0 * * 0"
	cronDaily  = "0 0 * * *"
	cronHourly = "0 * * * *"
)

// FlowConfig is the mapped flow-level policy set.
type FlowConfig struct {
	ScheduleCron string
	ProjectName  string
}

// MapStep translates one step's annotations into a TaskConfig. Annotations
// are scanned in definition order and mapping aborts on the first
// unsupported one.
func MapStep(node *graph.Node) (schema.TaskConfig, error) {
	var cfg schema.TaskConfig

	for _, ann := range node.Annotations {
		switch ann.Kind {
		case schema.AnnotationRetry:
			var attrs schema.RetryAttrs
			if err := decodeAttrs(ann, node.Name, &attrs); err != nil {
				return schema.TaskConfig{}, err
			}
			if attrs.Times < 0 {
				return schema.TaskConfig{}, schema.NewErrorf(schema.ErrCodeValidation,
					"retry times must be non-negative, got %d", attrs.Times).WithStep(node.Name)
			}
			cfg.Retries = attrs.Times
			cfg.RetryDelaySeconds = attrs.MinutesBetweenRetries * 60

		case schema.AnnotationTimeout:
			var attrs schema.TimeoutAttrs
			if err := decodeAttrs(ann, node.Name, &attrs); err != nil {
				return schema.TaskConfig{}, err
			}
			total := attrs.Seconds + attrs.Minutes*60 + attrs.Hours*3600
			if total <= 0 {
				return schema.TaskConfig{}, schema.NewErrorf(schema.ErrCodeValidation,
					"timeout must be positive").WithStep(node.Name)
			}
			cfg.TimeoutSeconds = total

		case schema.AnnotationEnvironment:
			var attrs schema.EnvironmentAttrs
			if err := decodeAttrs(ann, node.Name, &attrs); err != nil {
				return schema.TaskConfig{}, err
			}
			if cfg.Env == nil {
				cfg.Env = make(map[string]string, len(attrs.Vars))
			}
			for k, v := range attrs.Vars {
				cfg.Env[k] = v
			}

		case schema.AnnotationJoinPolicy:
			if node.Type != schema.StepTypeJoin && node.JoinedFrame == nil {
				return schema.TaskConfig{}, schema.NewErrorf(schema.ErrCodeValidation,
					"join_policy annotation on non-join step").WithStep(node.Name)
			}
			var attrs schema.JoinPolicyAttrs
			if err := decodeAttrs(ann, node.Name, &attrs); err != nil {
				return schema.TaskConfig{}, err
			}
			if err := CompileSiblingPredicate(attrs.OnSiblingFailure); err != nil {
				return schema.TaskConfig{}, schema.NewErrorf(schema.ErrCodeValidation,
					"invalid on_sibling_failure predicate: %s", err.Error()).WithStep(node.Name).WithCause(err)
			}
			cfg.OnSiblingFailure = attrs.OnSiblingFailure

		case schema.AnnotationSchedule, schema.AnnotationProject:
			return schema.TaskConfig{}, unsupported(node.Name, ann.Kind,
				"it is a flow-level annotation and cannot be attached to a step")

		default:
			return schema.TaskConfig{}, unsupported(node.Name, ann.Kind,
				"it has no equivalent in the target runtime")
		}
	}

	return cfg, nil
}

// MapFlow translates flow-level annotations. Recognized kinds at flow level
// are schedule and project only.
func MapFlow(def *schema.FlowDefinition) (FlowConfig, error) {
	var cfg FlowConfig

	for _, ann := range def.Annotations {
		switch ann.Kind {
		case schema.AnnotationSchedule:
			var attrs schema.ScheduleAttrs
			if err := decodeAttrs(ann, "", &attrs); err != nil {
				return FlowConfig{}, err
			}
			cronExpr, err := resolveSchedule(attrs)
			if err != nil {
				return FlowConfig{}, err
			}
			cfg.ScheduleCron = cronExpr

		case schema.AnnotationProject:
			var attrs schema.ProjectAttrs
			if err := decodeAttrs(ann, "", &attrs); err != nil {
				return FlowConfig{}, err
			}
			if attrs.Name == "" {
				return FlowConfig{}, schema.NewError(schema.ErrCodeValidation,
					"project annotation requires a name")
			}
			cfg.ProjectName = attrs.Name

		default:
			return FlowConfig{}, unsupported("", ann.Kind,
				"it is not a recognized flow-level annotation")
		}
	}

	return cfg, nil
}

// DeploymentName derives the compiled deployment's name:
// "<project>.<flow>" when a project annotation is present, else "<flow>".
func DeploymentName(flowName, projectName string) string {
	if projectName == "" {
		return flowName
	}
	return projectName + "." + flowName
}

func resolveSchedule(attrs schema.ScheduleAttrs) (string, error) {
	cronExpr := attrs.Cron
	switch {
	case cronExpr != "":
	case attrs.Weekly:
		cronExpr = cronWeekly
	case attrs.Daily:
		cronExpr = cronDaily
	case attrs.Hourly:
		cronExpr = cronHourly
	default:
		return "", schema.NewError(schema.ErrCodeValidation,
			"schedule annotation requires cron, weekly, daily, or hourly")
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return cronExpr, nil
}

func decodeAttrs(ann schema.Annotation, step string, out any) error {
	if len(ann.Attrs) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s annotation has no attributes", ann.Kind).WithStep(step)
	}
	if err := json.Unmarshal(ann.Attrs, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s annotation has invalid attributes: %s", ann.Kind, err.Error()).WithStep(step).WithCause(err)
	}
	return nil
}

func unsupported(step, kind, reason string) *schema.FlowcError {
	err := schema.NewErrorf(schema.ErrCodeUnsupportedPolicy,
		"annotation %q is not supported: %s", kind, reason)
	if step != "" {
		err = err.WithStep(step)
	}
	return err.WithDetails(map[string]any{"annotation": kind})
}

// ParseWithSpec parses one --with policy-spec of the form
// "kind:key=value,key=value" into an annotation, letting callers inject
// policies at compile time without modifying the source graph. For
// environment the pairs become vars; for join_policy everything after the
// colon is the predicate.
func ParseWithSpec(spec string) (schema.Annotation, error) {
	kind, rest, _ := strings.Cut(spec, ":")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return schema.Annotation{}, schema.NewErrorf(schema.ErrCodeValidation,
			"empty --with policy-spec %q", spec)
	}

	var attrs any
	switch kind {
	case schema.AnnotationRetry:
		out := schema.RetryAttrs{}
		pairs, err := parsePairs(rest, spec)
		if err != nil {
			return schema.Annotation{}, err
		}
		for k, v := range pairs {
			n, err := strconv.Atoi(v)
			if err != nil {
				return schema.Annotation{}, badWithValue(spec, k, v)
			}
			switch k {
			case "times":
				out.Times = n
			case "minutes_between_retries":
				out.MinutesBetweenRetries = n
			default:
				return schema.Annotation{}, badWithKey(spec, k)
			}
		}
		attrs = out

	case schema.AnnotationTimeout:
		out := schema.TimeoutAttrs{}
		pairs, err := parsePairs(rest, spec)
		if err != nil {
			return schema.Annotation{}, err
		}
		for k, v := range pairs {
			n, err := strconv.Atoi(v)
			if err != nil {
				return schema.Annotation{}, badWithValue(spec, k, v)
			}
			switch k {
			case "seconds":
				out.Seconds = n
			case "minutes":
				out.Minutes = n
			case "hours":
				out.Hours = n
			default:
				return schema.Annotation{}, badWithKey(spec, k)
			}
		}
		attrs = out

	case schema.AnnotationEnvironment:
		pairs, err := parsePairs(rest, spec)
		if err != nil {
			return schema.Annotation{}, err
		}
		attrs = schema.EnvironmentAttrs{Vars: pairs}

	case schema.AnnotationJoinPolicy:
		if strings.TrimSpace(rest) == "" {
			return schema.Annotation{}, schema.NewErrorf(schema.ErrCodeValidation,
				"--with=%s requires a predicate after the colon", spec)
		}
		attrs = schema.JoinPolicyAttrs{OnSiblingFailure: strings.TrimSpace(rest)}

	default:
		// Unrecognized kinds surface later through MapStep, preserving the
		// reject-not-approximate contract for injected annotations too.
		return schema.Annotation{Kind: kind}, nil
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return schema.Annotation{}, schema.NewErrorf(schema.ErrCodeValidation,
			"marshal --with attributes: %s", err.Error()).WithCause(err)
	}
	return schema.Annotation{Kind: kind, Attrs: raw}, nil
}

func parsePairs(rest, spec string) (map[string]string, error) {
	pairs := make(map[string]string)
	if strings.TrimSpace(rest) == "" {
		return pairs, nil
	}
	for _, part := range strings.Split(rest, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(k) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"malformed --with policy-spec %q: expected key=value, got %q", spec, part)
		}
		pairs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return pairs, nil
}

func badWithKey(spec, key string) *schema.FlowcError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown key %q in --with policy-spec %q", key, spec)
}

func badWithValue(spec, key, value string) *schema.FlowcError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"key %q in --with policy-spec %q must be an integer, got %q", key, spec, value)
}

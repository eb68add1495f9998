package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/flowc/pkg/schema"
)

// Flow is the in-memory directed acyclic graph representation of a flow
// definition. Built once per compile by Analyze, consumed by the policy
// mapper and the task emitter.
type Flow struct {
	Name        string
	Description string
	Nodes       map[string]*Node
	Order       []string // topological order, start first
	Def         *schema.FlowDefinition
}

// Node is one analyzed step: its resolved type, adjacency, and the split
// context stack it inherits from the start step.
type Node struct {
	Name        string
	Type        schema.StepType
	Next        []string
	In          []string
	Foreach     string // run-time iterable name, foreach nodes only
	Annotations []schema.Annotation

	// Set by the analyzer.
	Context       []Frame // active split/foreach frames, innermost last
	JoinedFrame   *Frame  // the frame this join closes, join nodes only
	IsForeachJoin bool
	IsSplitJoin   bool
}

// Frame is one entry of a split context stack: a fan-out a path is currently
// inside of. For split frames Branch records which successor of the source
// opened the path; foreach frames carry no branch because the fan-out width
// is a run-time value, not a compile-time constant.
type Frame struct {
	Kind   string // FrameSplit | FrameForeach
	Source string // the split/foreach step that opened the frame
	Branch string // split frames only
}

// Frame kinds.
const (
	FrameSplit   = "split"
	FrameForeach = "foreach"
)

func (f Frame) String() string {
	if f.Kind == FrameSplit {
		return fmt.Sprintf("split(%s:%s)", f.Source, f.Branch)
	}
	return fmt.Sprintf("foreach(%s)", f.Source)
}

// SplitParents returns the sources of the node's open frames, outermost first.
func (n *Node) SplitParents() []string {
	parents := make([]string, len(n.Context))
	for i, f := range n.Context {
		parents[i] = f.Source
	}
	return parents
}

// StartStep and EndStep are the mandatory boundary step names of every flow.
const (
	StartStep = schema.StartStepName
	EndStep   = schema.EndStepName
)

// Analyze converts a flow definition into an analyzed Flow: it resolves node
// types, establishes a deterministic topological order, and propagates split
// context stacks from the start step, verifying that every join closes
// exactly one frame. All failures are structural and abort compilation.
func Analyze(def *schema.FlowDefinition) (*Flow, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no steps")
	}

	flow := &Flow{
		Name:        def.Name,
		Description: def.Description,
		Nodes:       make(map[string]*Node, len(def.Steps)),
		Def:         def,
	}

	if err := buildNodes(flow, def); err != nil {
		return nil, err
	}
	if err := resolveTypes(flow); err != nil {
		return nil, err
	}
	if err := sortTopological(flow); err != nil {
		return nil, err
	}
	if err := propagateContexts(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// buildNodes registers all steps and builds forward and reverse adjacency.
func buildNodes(flow *Flow, def *schema.FlowDefinition) error {
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty name", i)
		}
		if _, exists := flow.Nodes[step.Name]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}
		flow.Nodes[step.Name] = &Node{
			Name:        step.Name,
			Type:        step.Type,
			Next:        append([]string(nil), step.Next...),
			Foreach:     step.Foreach,
			Annotations: step.Annotations,
		}
	}

	if _, ok := flow.Nodes[StartStep]; !ok {
		return schema.NewErrorf(schema.ErrCodeStructural, "flow %s has no start step", flow.Name)
	}
	if _, ok := flow.Nodes[EndStep]; !ok {
		return schema.NewErrorf(schema.ErrCodeStructural, "flow %s has no end step", flow.Name)
	}

	for _, node := range flow.Nodes {
		seen := make(map[string]bool, len(node.Next))
		for _, succ := range node.Next {
			if succ == node.Name {
				return schema.NewErrorf(schema.ErrCodeStructural, "step %s transitions to itself", node.Name).WithStep(node.Name)
			}
			if _, ok := flow.Nodes[succ]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %s transitions to unknown step: %s", node.Name, succ).WithStep(node.Name)
			}
			if seen[succ] {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate transition to %s", node.Name, succ).WithStep(node.Name)
			}
			seen[succ] = true
			flow.Nodes[succ].In = append(flow.Nodes[succ].In, node.Name)
		}
	}

	// Deterministic in-edge order regardless of map iteration.
	for _, node := range flow.Nodes {
		sort.Strings(node.In)
	}
	return nil
}

// resolveTypes derives node types where the definition left them implicit
// and cross-checks declared ones against the adjacency.
func resolveTypes(flow *Flow) error {
	for _, node := range flow.Nodes {
		derived := deriveType(node)
		if node.Type == "" {
			node.Type = derived
		} else if !typeCompatible(node.Type, derived) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s is declared %s but its shape is %s", node.Name, node.Type, derived).WithStep(node.Name)
		}

		switch {
		case node.Type == schema.StepTypeForeach && len(node.Next) != 1:
			return schema.NewErrorf(schema.ErrCodeStructural,
				"foreach step %s must have exactly one successor, has %d", node.Name, len(node.Next)).WithStep(node.Name)
		case node.Type == schema.StepTypeForeach && node.Foreach == "":
			return schema.NewErrorf(schema.ErrCodeValidation,
				"foreach step %s does not name its iterable", node.Name).WithStep(node.Name)
		case node.Type != schema.StepTypeForeach && node.Foreach != "":
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s names an iterable but is not a foreach step", node.Name).WithStep(node.Name)
		case node.Type == schema.StepTypeEnd && len(node.Next) != 0:
			return schema.NewErrorf(schema.ErrCodeStructural,
				"end step must not have successors").WithStep(node.Name)
		case node.Type != schema.StepTypeEnd && len(node.Next) == 0:
			return schema.NewErrorf(schema.ErrCodeStructural,
				"step %s has no successors but is not the end step", node.Name).WithStep(node.Name)
		case len(node.In) > 1 && node.Type != schema.StepTypeJoin && node.Type != schema.StepTypeEnd:
			return schema.NewErrorf(schema.ErrCodeStructural,
				"step %s has %d predecessors but is not a join", node.Name, len(node.In)).WithStep(node.Name)
		}
	}
	return nil
}

// typeCompatible accepts a declared type against the derived shape. A join
// with a single predecessor (the last foreach body step) cannot be derived
// from shape alone, so an explicit join declaration over a linear or split
// shape is allowed.
func typeCompatible(declared, derived schema.StepType) bool {
	if declared == derived {
		return true
	}
	return declared == schema.StepTypeJoin &&
		(derived == schema.StepTypeLinear || derived == schema.StepTypeSplit)
}

func deriveType(node *Node) schema.StepType {
	switch {
	case node.Name == StartStep && node.Foreach == "" && len(node.Next) <= 1:
		return schema.StepTypeStart
	case node.Name == EndStep:
		return schema.StepTypeEnd
	case node.Foreach != "":
		return schema.StepTypeForeach
	case len(node.In) > 1:
		return schema.StepTypeJoin
	case len(node.Next) > 1:
		return schema.StepTypeSplit
	default:
		return schema.StepTypeLinear
	}
}

// sortTopological establishes flow.Order using Kahn's algorithm with sorted
// tie-breaking, detects cycles, and verifies reachability from start.
func sortTopological(flow *Flow) error {
	inDegree := make(map[string]int, len(flow.Nodes))
	for name, node := range flow.Nodes {
		inDegree[name] = len(node.In)
	}

	if inDegree[StartStep] != 0 {
		return schema.NewError(schema.ErrCodeStructural, "start step must not have predecessors")
	}

	queue := make([]string, 0, len(flow.Nodes))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	if len(queue) != 1 {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"every step must be reachable from exactly one start step, found %d roots: %v", len(queue), queue)
	}

	sorted := make([]string, 0, len(flow.Nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)

		ready := make([]string, 0, len(flow.Nodes[name].Next))
		for _, succ := range flow.Nodes[name].Next {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(flow.Nodes) {
		return schema.NewError(schema.ErrCodeStructural, "flow contains a cycle")
	}

	flow.Order = sorted
	return nil
}

// propagateContexts walks the flow in topological order, propagating split
// context stacks along edges: a new frame is pushed when leaving a split or
// foreach step and popped exactly at the matching join. A step reachable
// under two different stacks is an ambiguous join target and rejected.
func propagateContexts(flow *Flow) error {
	assigned := make(map[string]bool, len(flow.Nodes))
	assigned[StartStep] = true // empty root stack

	for _, name := range flow.Order {
		node := flow.Nodes[name]
		if !assigned[name] {
			// Unreachable nodes were rejected by sortTopological; this is a
			// join none of whose predecessors delivered a context.
			return schema.NewErrorf(schema.ErrCodeStructural,
				"join step %s is unreachable with a consistent context", name).WithStep(name)
		}

		if node.Type == schema.StepTypeEnd {
			if len(node.Context) != 0 {
				return schema.NewErrorf(schema.ErrCodeStructural,
					"%s opened by step %s has no matching join", node.Context[len(node.Context)-1], node.Context[len(node.Context)-1].Source)
			}
			continue
		}

		for _, succName := range node.Next {
			succ := flow.Nodes[succName]
			ctx, err := edgeContext(node, succ)
			if err != nil {
				return err
			}
			if !assigned[succName] {
				succ.Context = ctx
				assigned[succName] = true
				continue
			}
			if !framesEqual(succ.Context, ctx) {
				return schema.NewErrorf(schema.ErrCodeStructural,
					"step %s is reachable under two different split contexts (%v vs %v): ambiguous join target",
					succName, succ.Context, ctx).WithStep(succName)
			}
		}
	}

	return checkJoins(flow)
}

// edgeContext computes the split context the destination inherits over one
// edge: push a frame when the source fans out, pop when the destination is
// the matching join.
func edgeContext(from, to *Node) ([]Frame, error) {
	ctx := append([]Frame(nil), from.Context...)

	switch {
	case from.Type == schema.StepTypeForeach:
		ctx = append(ctx, Frame{Kind: FrameForeach, Source: from.Name})
	case len(from.Next) > 1:
		ctx = append(ctx, Frame{Kind: FrameSplit, Source: from.Name, Branch: to.Name})
	}

	// The end step acts as an implicit split join when several branches
	// converge on it directly. Foreach frames always need an explicit join.
	implicitEndJoin := to.Type == schema.StepTypeEnd && len(to.In) > 1
	if to.Type != schema.StepTypeJoin && !implicitEndJoin {
		return ctx, nil
	}

	if len(ctx) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"join step %s has no enclosing split or foreach to close", to.Name).WithStep(to.Name)
	}

	top := ctx[len(ctx)-1]
	if implicitEndJoin && top.Kind == FrameForeach {
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"foreach %s must be closed by an explicit join before end", top.Source).WithStep(to.Name)
	}
	popped := top
	if to.JoinedFrame == nil {
		to.JoinedFrame = &popped
		to.IsForeachJoin = top.Kind == FrameForeach
		to.IsSplitJoin = top.Kind == FrameSplit
	} else if to.JoinedFrame.Kind != top.Kind || to.JoinedFrame.Source != top.Source {
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"join step %s closes both %s and %s", to.Name, *to.JoinedFrame, top).WithStep(to.Name)
	}

	return ctx[:len(ctx)-1], nil
}

// checkJoins verifies that every join enumerates all of its obligations:
// a split join must receive one edge per branch of the frame it closes, and
// every predecessor of a foreach join must carry the foreach frame.
func checkJoins(flow *Flow) error {
	for _, name := range flow.Order {
		node := flow.Nodes[name]
		if node.Type != schema.StepTypeJoin && node.JoinedFrame == nil {
			continue
		}
		if node.JoinedFrame == nil {
			return schema.NewErrorf(schema.ErrCodeStructural,
				"join step %s closes no frame", name).WithStep(name)
		}

		if node.IsSplitJoin {
			source := flow.Nodes[node.JoinedFrame.Source]
			branches := make(map[string]bool, len(node.In))
			for _, predName := range node.In {
				pred := flow.Nodes[predName]
				if len(pred.Context) == 0 {
					return schema.NewErrorf(schema.ErrCodeStructural,
						"join step %s has predecessor %s outside the %s it closes", name, predName, *node.JoinedFrame).WithStep(name)
				}
				branches[pred.Context[len(pred.Context)-1].Branch] = true
			}
			for _, branch := range source.Next {
				if !branches[branch] {
					return schema.NewErrorf(schema.ErrCodeStructural,
						"join step %s does not enumerate branch %s of split %s", name, branch, source.Name).WithStep(name)
				}
			}
		}

		if node.IsForeachJoin {
			for _, predName := range node.In {
				pred := flow.Nodes[predName]
				top := Frame{}
				if len(pred.Context) > 0 {
					top = pred.Context[len(pred.Context)-1]
				}
				inFrame := top.Kind == FrameForeach && top.Source == node.JoinedFrame.Source
				if !inFrame && predName != node.JoinedFrame.Source {
					return schema.NewErrorf(schema.ErrCodeStructural,
						"join step %s has predecessor %s outside foreach %s", name, predName, node.JoinedFrame.Source).WithStep(name)
				}
			}
		}
	}
	return nil
}

func framesEqual(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package diagram

import (
	"fmt"

	"github.com/rendis/flowc/pkg/schema"
)

// NodeKind classifies a diagram node by its task template type.
type NodeKind string

const (
	NodeKindLinear  NodeKind = "linear"
	NodeKindForeach NodeKind = "foreach"
	NodeKindJoin    NodeKind = "join"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []Node
	Edges []Edge
}

// Node represents one task template in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // task status overlay, empty for plain compile-time diagrams
}

// Edge represents a dependency between two templates.
type Edge struct {
	From  string
	To    string
	Label string
}

// FromTaskGraph builds a diagram model from a compiled task graph. statuses
// optionally overlays run state, keyed by step name.
func FromTaskGraph(tg *schema.TaskGraph, statuses map[string]string) *Model {
	model := &Model{Title: tg.DeploymentName}

	templates := make(map[string]*schema.TaskTemplate, len(tg.Tasks))
	for i := range tg.Tasks {
		templates[tg.Tasks[i].Step] = &tg.Tasks[i]
	}

	for _, tmpl := range tg.Tasks {
		model.Nodes = append(model.Nodes, Node{
			ID:     tmpl.Step,
			Label:  nodeLabel(&tmpl),
			Kind:   nodeKind(&tmpl),
			Status: statuses[tmpl.Step],
		})
		for _, up := range tmpl.Upstream {
			model.Edges = append(model.Edges, Edge{
				From:  up.Step,
				To:    tmpl.Step,
				Label: edgeLabel(&tmpl, up, templates[up.Step]),
			})
		}
	}
	return model
}

func nodeKind(tmpl *schema.TaskTemplate) NodeKind {
	switch {
	case tmpl.Step == schema.StartStepName:
		return NodeKindStart
	case tmpl.Step == schema.EndStepName:
		return NodeKindEnd
	case tmpl.Expansion != nil:
		return NodeKindForeach
	case tmpl.Barrier != nil:
		return NodeKindJoin
	default:
		return NodeKindLinear
	}
}

func nodeLabel(tmpl *schema.TaskTemplate) string {
	if tmpl.Expansion != nil {
		return fmt.Sprintf("%s: %s", tmpl.Step, tmpl.Expansion.Iterable)
	}
	return tmpl.Step
}

// edgeLabel annotates edges leaving a foreach source: the body expands per
// item, while the closing join gathers all items back.
func edgeLabel(tmpl *schema.TaskTemplate, up schema.UpstreamRef, pred *schema.TaskTemplate) string {
	if pred == nil || pred.Expansion == nil {
		return ""
	}
	if tmpl.Barrier != nil && tmpl.Barrier.Frame == up.Step {
		return "gather"
	}
	return "per item"
}

package deploy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/flowc/internal/store"
	"github.com/rendis/flowc/pkg/schema"
)

// Register persists a compiled task graph as a named deployment. The
// deployment name defaults to the graph's own deployment name; schedule
// and flow identity come from the compiled artifact.
func Register(ctx context.Context, st store.Store, tg *schema.TaskGraph, name, workPool string, paused bool) (*store.Deployment, error) {
	if tg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no task graph to deploy")
	}
	if name == "" {
		name = tg.DeploymentName
	}
	if strings.TrimSpace(name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "deployment name is empty")
	}

	raw, err := json.Marshal(tg)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode task graph").WithCause(err)
	}

	dep := &store.Deployment{
		Name:         name,
		Flow:         tg.Flow,
		Graph:        raw,
		ScheduleCron: tg.ScheduleCron,
		WorkPool:     workPool,
		Paused:       paused,
	}
	if err := st.PutDeployment(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// LoadGraph decodes the task graph stored with a deployment.
func LoadGraph(dep *store.Deployment) (*schema.TaskGraph, error) {
	var tg schema.TaskGraph
	if err := json.Unmarshal(dep.Graph, &tg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"deployment %s holds an unreadable task graph", dep.Name).WithCause(err)
	}
	return &tg, nil
}

// due reports whether a scheduled deployment should fire at now. A
// deployment that has never run fires on the first tick; afterwards it
// fires once its schedule's next occurrence after the last run has passed.
func due(dep *store.Deployment, next func(string, time.Time) (time.Time, error), now time.Time) (bool, error) {
	if dep.ScheduleCron == "" || dep.Paused {
		return false, nil
	}
	if dep.LastRunAt == nil {
		return true, nil
	}
	at, err := next(dep.ScheduleCron, *dep.LastRunAt)
	if err != nil {
		return false, err
	}
	return !at.After(now), nil
}

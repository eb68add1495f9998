package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/rendis/flowc/internal/logging"
	"github.com/rendis/flowc/internal/params"
	"github.com/rendis/flowc/internal/policy"
	"github.com/rendis/flowc/internal/store"
	"github.com/rendis/flowc/pkg/schema"
)

// Engine executes a compiled task graph: it expands templates into task
// instances, runs them on a bounded worker pool, and records everything in
// the metadata store.
type Engine struct {
	graph     *schema.TaskGraph
	store     store.Store
	runner    StepRunner
	logger    *slog.Logger
	templates map[string]schema.TaskTemplate
}

// New creates an engine for one compiled task graph.
func New(tg *schema.TaskGraph, st store.Store, runner StepRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	templates := make(map[string]schema.TaskTemplate, len(tg.Tasks))
	for _, t := range tg.Tasks {
		templates[t.Step] = t
	}
	return &Engine{
		graph:     tg,
		store:     st,
		runner:    runner,
		logger:    logger,
		templates: templates,
	}
}

// instanceState is the in-run record of one expanded task instance.
type instanceState struct {
	addr   string
	taskID string
	step   string
	status store.TaskStatus
	err    error
}

// runState is shared between the scheduling loop and instance goroutines.
// Widths are written by foreach-source instances and read by the next
// level's expansion, which happens after the pool drains.
type runState struct {
	mu        sync.Mutex
	instances map[string]*instanceState
	widths    map[string]int
}

func (s *runState) get(addr string) *instanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[addr]
}

func (s *runState) put(inst *instanceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.addr] = inst
}

func (s *runState) setStatus(addr string, status store.TaskStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[addr].status = status
	s.instances[addr].err = err
}

func (s *runState) setWidth(key string, width int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.widths[key] = width
}

// widthsSnapshot copies the widths map for race-free reads while the next
// level is being scheduled.
func (s *runState) widthsSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.widths))
	for k, v := range s.widths {
		out[k] = v
	}
	return out
}

// sourceDown reports whether the instance at addr reached a terminal state
// other than success. A foreach source that failed or was skipped leaves no
// fan-out width behind; its descendants are dropped rather than reported as
// an engine error.
func (s *runState) sourceDown(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[addr]
	if !ok {
		return false
	}
	return inst.status == store.TaskFailed || inst.status == store.TaskSkipped
}

func (s *runState) anyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.status == store.TaskFailed {
			return true
		}
	}
	return false
}

// Execute runs the task graph once. Parameter overrides are raw CLI values
// coerced against the compiled parameter specs; extra tags are appended to
// the artifact's baked-in tags.
func (e *Engine) Execute(ctx context.Context, overrides map[string]string, tags []string) (*store.Run, error) {
	values, err := params.Resolve(e.graph.Parameters, overrides)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:             uuid.New().String(),
		Flow:           e.graph.Flow,
		DeploymentName: e.graph.DeploymentName,
		Status:         store.RunRunning,
		Parameters:     values,
		Tags:           append(append([]string(nil), e.graph.Config.Tags...), tags...),
		StartedAt:      &now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to record run").WithCause(err)
	}

	runCtx := logging.WithRunID(ctx, run.ID)
	if secs := e.graph.Config.WorkflowTimeoutSeconds; secs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	e.logger.InfoContext(runCtx, "run started",
		slog.String("flow", e.graph.Flow),
		slog.Int("templates", len(e.graph.Tasks)))

	state := &runState{
		instances: make(map[string]*instanceState),
		widths:    make(map[string]int),
	}
	execErr := e.executeLevels(runCtx, run, values, state)

	status := store.RunSucceeded
	var runErr string
	switch {
	case runCtx.Err() != nil && execErr != nil:
		status = store.RunCancelled
		runErr = execErr.Error()
	case execErr != nil:
		status = store.RunFailed
		runErr = execErr.Error()
	case state.anyFailed():
		status = store.RunFailed
		runErr = firstFailure(state).Error()
	}

	done := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &done}
	if runErr != "" {
		update.Error = &runErr
	}
	// The final state must land even when the run context was cancelled.
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), run.ID, update); err != nil {
		e.logger.ErrorContext(runCtx, "failed to record run completion", slog.String("error", err.Error()))
	}
	run.Status = status
	run.Error = runErr
	run.CompletedAt = &done

	e.logger.InfoContext(runCtx, "run finished", slog.String("status", string(status)))

	if status == store.RunFailed {
		return run, schema.NewErrorf(schema.ErrCodeExecution, "run %s failed: %s", run.ID, runErr)
	}
	if status == store.RunCancelled {
		return run, schema.NewErrorf(schema.ErrCodeCancelled, "run %s cancelled", run.ID)
	}
	return run, nil
}

// executeLevels walks the template levels in dependency order. Templates in
// the same level share no edges, so all of their instances go to the pool
// together; the pool drains before the next level expands, which is what
// makes foreach widths and sibling outcomes available to joins.
func (e *Engine) executeLevels(ctx context.Context, run *store.Run, values map[string]any, state *runState) error {
	pool := NewWorkerPool(e.graph.Config.MaxWorkers)
	defer pool.Shutdown()

	for _, level := range executionLevels(e.graph) {
		// Widths needed by this level were all produced by earlier levels;
		// a snapshot keeps scheduling free of the pool's writes.
		widths := state.widthsSnapshot()
		for _, tmpl := range level {
			coords, err := enumerateCoords(tmpl.Context, widths, state.sourceDown)
			if err != nil {
				return err
			}
			for _, c := range coords {
				if err := e.scheduleInstance(ctx, pool, run, values, state, widths, tmpl, c); err != nil {
					return err
				}
			}
		}
		pool.Wait()
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run interrupted").WithCause(ctx.Err())
		}
	}
	return nil
}

// scheduleInstance records one task instance and either submits it to the
// pool or settles it immediately from its upstream outcomes.
func (e *Engine) scheduleInstance(ctx context.Context, pool *WorkerPool, run *store.Run,
	values map[string]any, state *runState, widths map[string]int, tmpl schema.TaskTemplate, coords []int) error {

	addr := instanceAddr(tmpl.Step, coords)
	inst := &instanceState{
		addr:   addr,
		taskID: uuid.New().String(),
		step:   tmpl.Step,
		status: store.TaskPending,
	}
	state.put(inst)

	deps, err := e.dependencies(tmpl, coords, state, widths)
	if err != nil {
		return err
	}

	record := &store.TaskRecord{
		ID:         inst.taskID,
		RunID:      run.ID,
		Step:       tmpl.Step,
		Instance:   addr,
		Status:     store.TaskPending,
		InputPaths: joinPaths(deps.succeededPaths),
	}
	if err := e.store.CreateTask(ctx, record); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to record task").WithCause(err)
	}

	if blocked, cause := e.settleBlocked(tmpl, deps); blocked {
		status := store.TaskSkipped
		if cause != nil {
			status = store.TaskFailed
		}
		state.setStatus(addr, status, cause)
		e.recordTerminal(ctx, inst.taskID, status, cause)
		return nil
	}

	return pool.Submit(ctx, func(ctx context.Context) error {
		return e.runInstance(ctx, run, values, state, tmpl, inst, deps.succeededPaths)
	})
}

// dependencyOutcome summarizes the upstream instances feeding one task
// instance.
type dependencyOutcome struct {
	succeededPaths []string
	failed         int
	total          int
}

// dependencies resolves a template's upstream refs into concrete instance
// outcomes. A predecessor one foreach frame deeper than this instance is
// aggregated across the closed frame's width (foreach join); everything
// else projects this instance's coordinates onto the predecessor's depth.
func (e *Engine) dependencies(tmpl schema.TaskTemplate, coords []int, state *runState, widths map[string]int) (dependencyOutcome, error) {
	var out dependencyOutcome
	for _, ref := range tmpl.Upstream {
		pred, ok := e.templates[ref.Step]
		if !ok {
			return out, schema.NewErrorf(schema.ErrCodeExecution,
				"task %s references unknown upstream %s", tmpl.Step, ref.Step)
		}
		depth := foreachDepth(pred.Context)

		if depth > len(coords) {
			frame := tmpl.Barrier.Frame
			width, ok := widths[widthKey(frame, coords)]
			if !ok {
				// The frame source ended without materializing its iterable;
				// the join observes it as one failed sibling.
				if state.sourceDown(widthKey(frame, coords)) {
					out.total++
					out.failed++
					continue
				}
				return out, schema.NewErrorf(schema.ErrCodeExecution,
					"foreach %s produced no fan-out width", frame)
			}
			for i := 0; i < width; i++ {
				sibling := make([]int, len(coords)+1)
				copy(sibling, coords)
				sibling[len(coords)] = i
				if err := out.observe(state, ref.Step, sibling); err != nil {
					return out, err
				}
			}
			continue
		}

		if err := out.observe(state, ref.Step, coords[:depth]); err != nil {
			return out, err
		}
	}

	if tmpl.Barrier != nil && tmpl.Barrier.Kind == "split" && tmpl.Barrier.Width > 0 && out.total != tmpl.Barrier.Width {
		return out, schema.NewErrorf(schema.ErrCodeExecution,
			"join %s expected %d sibling outcomes, saw %d", tmpl.Step, tmpl.Barrier.Width, out.total)
	}
	return out, nil
}

func (o *dependencyOutcome) observe(state *runState, step string, coords []int) error {
	addr := instanceAddr(step, coords)
	inst := state.get(addr)
	if inst == nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"upstream instance %s was never scheduled", addr)
	}
	o.total++
	switch inst.status {
	case store.TaskSucceeded:
		o.succeededPaths = append(o.succeededPaths, step+"/"+inst.taskID)
	default:
		o.failed++
	}
	return nil
}

// settleBlocked decides whether an instance can run given its upstream
// outcomes. Joins may tolerate sibling failures through their on_sibling_failure
// predicate; everything else is skipped as soon as any upstream is not
// successful.
func (e *Engine) settleBlocked(tmpl schema.TaskTemplate, deps dependencyOutcome) (blocked bool, cause error) {
	if deps.failed == 0 {
		return false, nil
	}

	if tmpl.Barrier != nil {
		predicate := tmpl.Config.OnSiblingFailure
		if predicate != "" {
			ok, err := policy.EvalSiblingPredicate(predicate, len(deps.succeededPaths), deps.failed, deps.total)
			if err != nil {
				return true, schema.NewErrorf(schema.ErrCodeExecution,
					"on_sibling_failure predicate failed: %s", err.Error()).WithStep(tmpl.Step).WithCause(err)
			}
			if ok {
				return false, nil
			}
		}
		return true, schema.NewErrorf(schema.ErrCodeStepFailed,
			"%d of %d sibling tasks failed", deps.failed, deps.total).WithStep(tmpl.Step)
	}

	return true, nil
}

// runInstance executes one task instance's attempt chain on the pool.
func (e *Engine) runInstance(ctx context.Context, run *store.Run, values map[string]any,
	state *runState, tmpl schema.TaskTemplate, inst *instanceState, inputPaths []string) error {

	ctx = logging.WithIDs(ctx, run.ID, tmpl.Step, inst.taskID)

	started := time.Now().UTC()
	running := store.TaskRunning
	_ = e.store.UpdateTask(ctx, inst.taskID, store.TaskUpdate{Status: &running, StartedAt: &started})
	state.setStatus(inst.addr, store.TaskRunning, nil)

	cfg := tmpl.Config
	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			e.logger.WarnContext(ctx, "retrying task",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			a := attempt
			_ = e.store.UpdateTask(ctx, inst.taskID, store.TaskUpdate{Attempt: &a})
			if err := WaitForBackoff(ctx, time.Duration(cfg.RetryDelaySeconds)*time.Second); err != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "cancelled between retries").WithStep(tmpl.Step)
				break
			}
		}

		res, err := e.attempt(ctx, run, values, tmpl, inst, inputPaths, attempt)
		if err == nil {
			if err := e.finishInstance(ctx, run, state, tmpl, inst, res); err != nil {
				lastErr = err
				break
			}
			return nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}

	if cfg.Retries > 0 && IsRetryableError(lastErr) {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"failed after %d attempts: %s", cfg.Retries+1, lastErr.Error()).WithStep(tmpl.Step).WithCause(lastErr)
	}

	e.logger.ErrorContext(ctx, "task failed", slog.String("error", lastErr.Error()))
	state.setStatus(inst.addr, store.TaskFailed, lastErr)
	e.recordTerminal(ctx, inst.taskID, store.TaskFailed, lastErr)
	return lastErr
}

// attempt runs one timed attempt through the step runner.
func (e *Engine) attempt(ctx context.Context, run *store.Run, values map[string]any,
	tmpl schema.TaskTemplate, inst *instanceState, inputPaths []string, attempt int) (Result, error) {

	if secs := tmpl.Config.TimeoutSeconds; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	return e.runner.RunStep(ctx, Invocation{
		RunID:      run.ID,
		TaskID:     inst.taskID,
		Step:       tmpl.Step,
		Instance:   inst.addr,
		Attempt:    attempt,
		InputPaths: inputPaths,
		Env:        tmpl.Config.Env,
		Params:     values,
	})
}

// finishInstance settles a successful attempt: foreach sources must have
// materialized a fan-out width in their side-car, other side-cars become
// artifact notices.
func (e *Engine) finishInstance(ctx context.Context, run *store.Run, state *runState,
	tmpl schema.TaskTemplate, inst *instanceState, res Result) error {

	if tmpl.Expansion != nil {
		width, err := extractWidth(res.SideCar, tmpl.Expansion.WidthQuery)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"foreach step did not materialize iterable %s: %s",
				tmpl.Expansion.Iterable, err.Error()).WithStep(tmpl.Step).WithCause(err)
		}
		state.setWidth(inst.addr, width)

		payload, _ := json.Marshal(map[string]any{
			"iterable": tmpl.Expansion.Iterable,
			"width":    width,
		})
		_ = e.store.AppendNotice(ctx, &store.Notice{
			RunID: run.ID, TaskID: inst.taskID, Step: tmpl.Step,
			Kind: store.NoticeFanOut, Payload: payload,
		})
		e.logger.InfoContext(ctx, "foreach fan-out",
			slog.String("iterable", tmpl.Expansion.Iterable),
			slog.Int("width", width))
	} else if len(res.SideCar) > 0 {
		_ = e.store.AppendNotice(ctx, &store.Notice{
			RunID: run.ID, TaskID: inst.taskID, Step: tmpl.Step,
			Kind: store.NoticeArtifact, Payload: res.SideCar,
		})
		e.logger.InfoContext(ctx, "artifacts available",
			slog.String("values", strings.Join(sideCarValueNames(res.SideCar), ", ")),
			slog.String("retrieve", fmt.Sprintf("run %s: read %s/%s", run.ID, tmpl.Step, inst.taskID)))
	}

	state.setStatus(inst.addr, store.TaskSucceeded, nil)
	e.recordTerminal(ctx, inst.taskID, store.TaskSucceeded, nil)
	return nil
}

func (e *Engine) recordTerminal(ctx context.Context, taskID string, status store.TaskStatus, cause error) {
	done := time.Now().UTC()
	update := store.TaskUpdate{Status: &status, CompletedAt: &done}
	if cause != nil {
		msg := cause.Error()
		update.Error = &msg
	}
	if err := e.store.UpdateTask(ctx, taskID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to record task state", slog.String("error", err.Error()))
	}
}

// executionLevels groups the (already topologically ordered) templates into
// dependency levels: each template lands one level below its deepest
// upstream, so templates within a level never depend on each other.
func executionLevels(tg *schema.TaskGraph) [][]schema.TaskTemplate {
	depth := make(map[string]int, len(tg.Tasks))
	maxDepth := 0
	for _, t := range tg.Tasks {
		d := 0
		for _, u := range t.Upstream {
			if depth[u.Step]+1 > d {
				d = depth[u.Step] + 1
			}
		}
		depth[t.Step] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]schema.TaskTemplate, maxDepth+1)
	for _, t := range tg.Tasks {
		d := depth[t.Step]
		levels[d] = append(levels[d], t)
	}
	return levels
}

// sideCarValueNames lists the top-level value names of a side-car document,
// sorted. Non-object documents yield nothing.
func sideCarValueNames(doc json.RawMessage) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// extractWidth runs the compiled width query against the side-car document
// and expects a non-negative integer.
func extractWidth(sideCar json.RawMessage, query string) (int, error) {
	if len(sideCar) == 0 {
		return 0, fmt.Errorf("no side-car document")
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return 0, fmt.Errorf("parse width query: %w", err)
	}
	var doc any
	if err := json.Unmarshal(sideCar, &doc); err != nil {
		return 0, fmt.Errorf("decode side-car: %w", err)
	}

	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return 0, fmt.Errorf("width query produced no value")
	}
	if err, isErr := v.(error); isErr {
		return 0, fmt.Errorf("width query: %w", err)
	}

	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative width %d", n)
		}
		return n, nil
	case float64:
		if n < 0 || n != float64(int(n)) {
			return 0, fmt.Errorf("width %v is not a non-negative integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("width query produced %T, want integer", v)
	}
}

func firstFailure(state *runState) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	var first error
	for _, inst := range state.instances {
		if inst.status == store.TaskFailed && inst.err != nil {
			if first == nil || inst.err.Error() < first.Error() {
				first = inst.err
			}
		}
	}
	if first == nil {
		first = fmt.Errorf("task failed")
	}
	return first
}

func joinPaths(paths []string) string {
	return strings.Join(paths, ",")
}

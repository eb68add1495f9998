package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowc/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	params, err := marshalMapOrDefault(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	tags, err := marshalSliceOrDefault(run.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	status := run.Status
	if status == "" {
		status = RunPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow, deployment_name, status, parameters, tags, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Flow, run.DeploymentName, string(status),
		string(params), string(tags), nullStr(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		status                 string
		paramsJSON, tagsJSON   string
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow, deployment_name, status, parameters, tags, error, created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Flow, &run.DeploymentName, &status, &paramsJSON, &tagsJSON,
		&errMsg, &run.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Error = errMsg.String
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Parameters)
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &run.Tags)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Flow != "" {
		where = append(where, "flow = ?")
		args = append(args, filter.Flow)
	}
	if filter.Deployment != "" {
		where = append(where, "deployment_name = ?")
		args = append(args, filter.Deployment)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, flow, deployment_name, status, parameters, tags, error, created_at, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			status                 string
			paramsJSON, tagsJSON   string
			errMsg                 sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.Flow, &run.DeploymentName, &status, &paramsJSON,
			&tagsJSON, &errMsg, &run.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Status = RunStatus(status)
		run.Error = errMsg.String
		if paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &run.Parameters)
		}
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &run.Tags)
		}
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Task instances ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	status := task.Status
	if status == "" {
		status = TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, run_id, step, instance, attempt, status, input_paths, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.Step, task.Instance, task.Attempt, string(status),
		nullStr(task.InputPaths), nullStr(task.Error),
		timeOrNow(task.CreatedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	task := &TaskRecord{}
	var (
		status                 string
		inputPaths, errMsg     sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step, instance, attempt, status, input_paths, error, created_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.RunID, &task.Step, &task.Instance, &task.Attempt, &status,
		&inputPaths, &errMsg, &task.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	task.InputPaths = inputPaths.String
	task.Error = errMsg.String
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, runID string) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, instance, attempt, status, input_paths, error, created_at, started_at, completed_at
		 FROM tasks WHERE run_id = ? ORDER BY created_at, instance`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		task := &TaskRecord{}
		var (
			status                 string
			inputPaths, errMsg     sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&task.ID, &task.RunID, &task.Step, &task.Instance, &task.Attempt,
			&status, &inputPaths, &errMsg, &task.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		task.Status = TaskStatus(status)
		task.InputPaths = inputPaths.String
		task.Error = errMsg.String
		if startedAt.Valid {
			task.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- Notices ---

func (s *LibSQLStore) AppendNotice(ctx context.Context, notice *Notice) error {
	payload, err := nullableJSON(notice.Payload)
	if err != nil {
		return fmt.Errorf("marshal notice payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notices (run_id, task_id, step, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		notice.RunID, notice.TaskID, notice.Step, notice.Kind, payload, timeOrNow(notice.CreatedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		notice.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListNotices(ctx context.Context, runID string) ([]*Notice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, task_id, step, kind, payload, created_at
		 FROM notices WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notices []*Notice
	for rows.Next() {
		n := &Notice{}
		var payload sql.NullString
		if err := rows.Scan(&n.ID, &n.RunID, &n.TaskID, &n.Step, &n.Kind, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Payload = rawOrNil(payload)
		notices = append(notices, n)
	}
	return notices, rows.Err()
}

// --- Deployments ---

func (s *LibSQLStore) PutDeployment(ctx context.Context, dep *Deployment) error {
	if len(dep.Graph) == 0 {
		return fmt.Errorf("deployment %q has no task graph", dep.Name)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (name, flow, graph, schedule_cron, work_pool, paused, created_at, updated_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   flow=excluded.flow, graph=excluded.graph, schedule_cron=excluded.schedule_cron,
		   work_pool=excluded.work_pool, paused=excluded.paused, updated_at=CURRENT_TIMESTAMP`,
		dep.Name, dep.Flow, string(dep.Graph), nullStr(dep.ScheduleCron), nullStr(dep.WorkPool),
		boolInt(dep.Paused), timeOrNow(dep.CreatedAt), timeOrNow(dep.UpdatedAt), nullTime(dep.LastRunAt),
	)
	return err
}

func (s *LibSQLStore) GetDeployment(ctx context.Context, name string) (*Deployment, error) {
	dep := &Deployment{}
	var (
		graph              string
		cronExpr, workPool sql.NullString
		paused             int
		lastRunAt          sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, flow, graph, schedule_cron, work_pool, paused, created_at, updated_at, last_run_at
		 FROM deployments WHERE name = ?`, name,
	).Scan(&dep.Name, &dep.Flow, &graph, &cronExpr, &workPool, &paused,
		&dep.CreatedAt, &dep.UpdatedAt, &lastRunAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("deployment", name)
	}
	if err != nil {
		return nil, err
	}
	dep.Graph = json.RawMessage(graph)
	dep.ScheduleCron = cronExpr.String
	dep.WorkPool = workPool.String
	dep.Paused = paused != 0
	if lastRunAt.Valid {
		dep.LastRunAt = &lastRunAt.Time
	}
	return dep, nil
}

func (s *LibSQLStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, flow, graph, schedule_cron, work_pool, paused, created_at, updated_at, last_run_at
		 FROM deployments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*Deployment
	for rows.Next() {
		dep := &Deployment{}
		var (
			graph              string
			cronExpr, workPool sql.NullString
			paused             int
			lastRunAt          sql.NullTime
		)
		if err := rows.Scan(&dep.Name, &dep.Flow, &graph, &cronExpr, &workPool, &paused,
			&dep.CreatedAt, &dep.UpdatedAt, &lastRunAt); err != nil {
			return nil, err
		}
		dep.Graph = json.RawMessage(graph)
		dep.ScheduleCron = cronExpr.String
		dep.WorkPool = workPool.String
		dep.Paused = paused != 0
		if lastRunAt.Valid {
			dep.LastRunAt = &lastRunAt.Time
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (s *LibSQLStore) SetDeploymentPaused(ctx context.Context, name string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET paused = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?`,
		boolInt(paused), name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "deployment", name)
}

func (s *LibSQLStore) TouchDeploymentRun(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET last_run_at = CURRENT_TIMESTAMP WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "deployment", name)
}

func (s *LibSQLStore) DeleteDeployment(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "deployment", name)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowcError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(format string, args ...any) *schema.FlowcError {
	return schema.NewErrorf(schema.ErrCodeStore, format, args...)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault(s []string) (json.RawMessage, error) {
	if len(s) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

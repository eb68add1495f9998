package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of one flow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// TaskStatus is the lifecycle state of one task instance.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Run is the persisted record of one flow execution.
type Run struct {
	ID             string         `json:"id"`
	Flow           string         `json:"flow"`
	DeploymentName string         `json:"deployment_name"`
	Status         RunStatus      `json:"status"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// RunUpdate carries the mutable fields of a run; nil fields are untouched.
type RunUpdate struct {
	Status      *RunStatus
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Flow       string
	Deployment string
	Status     RunStatus
	Limit      int
}

// TaskRecord is the persisted record of one task instance attempt chain.
// Instance is the instance address within the run, e.g. "process[2]" for the
// third foreach copy; the bare step name for singleton instances.
type TaskRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Step        string     `json:"step"`
	Instance    string     `json:"instance"`
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	InputPaths  string     `json:"input_paths,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskUpdate carries the mutable fields of a task record.
type TaskUpdate struct {
	Status      *TaskStatus
	Attempt     *int
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Notice is an append-only record emitted by a task instance, primarily
// artifact notices surfaced by the side-car document.
type Notice struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Step      string          `json:"step"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notice kinds.
const (
	NoticeArtifact = "artifact"
	NoticeFanOut   = "fan_out"
)

// Deployment is a registered compiled flow: its task graph plus scheduler
// attachment state.
type Deployment struct {
	Name         string          `json:"name"`
	Flow         string          `json:"flow"`
	Graph        json.RawMessage `json:"graph"`
	ScheduleCron string          `json:"schedule_cron,omitempty"`
	WorkPool     string          `json:"work_pool,omitempty"`
	Paused       bool            `json:"paused"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
}

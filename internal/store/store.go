package store

import "context"

// Store defines the metadata persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Task instances
	CreateTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, runID string) ([]*TaskRecord, error)

	// Notices (append-only)
	AppendNotice(ctx context.Context, notice *Notice) error
	ListNotices(ctx context.Context, runID string) ([]*Notice, error)

	// Deployments
	PutDeployment(ctx context.Context, dep *Deployment) error
	GetDeployment(ctx context.Context, name string) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)
	SetDeploymentPaused(ctx context.Context, name string, paused bool) error
	TouchDeploymentRun(ctx context.Context, name string) error
	DeleteDeployment(ctx context.Context, name string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

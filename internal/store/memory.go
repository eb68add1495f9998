package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for ephemeral runs and tests. It mirrors
// the libSQL implementation's semantics, including not-found errors and the
// per-run instance uniqueness constraint.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	tasks       map[string]*TaskRecord
	instances   map[string]bool // runID + "\x00" + instance
	notices     []*Notice
	noticeSeq   int64
	deployments map[string]*Deployment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		tasks:       make(map[string]*TaskRecord),
		instances:   make(map[string]bool),
		deployments: make(map[string]*Deployment),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return duplicateKey("run", run.ID)
	}
	copied := *run
	if copied.Status == "" {
		copied.Status = RunPending
	}
	copied.CreatedAt = timeOrNow(copied.CreatedAt)
	s.runs[run.ID] = &copied
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	if update.Status == nil && update.Error == nil && update.StartedAt == nil && update.CompletedAt == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*Run
	for _, run := range s.runs {
		if filter.Flow != "" && run.Flow != filter.Flow {
			continue
		}
		if filter.Deployment != "" && run.DeploymentName != filter.Deployment {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := task.RunID + "\x00" + task.Instance
	if s.instances[key] {
		return duplicateKey("task instance", task.Instance)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return duplicateKey("task", task.ID)
	}
	copied := *task
	if copied.Status == "" {
		copied.Status = TaskPending
	}
	copied.CreatedAt = timeOrNow(copied.CreatedAt)
	s.tasks[task.ID] = &copied
	s.instances[key] = true
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	copied := *task
	return &copied, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) error {
	if update.Status == nil && update.Attempt == nil && update.Error == nil &&
		update.StartedAt == nil && update.CompletedAt == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return storeNotFound("task", id)
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Attempt != nil {
		task.Attempt = *update.Attempt
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.StartedAt != nil {
		task.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		task.CompletedAt = update.CompletedAt
	}
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, runID string) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*TaskRecord
	for _, task := range s.tasks {
		if task.RunID != runID {
			continue
		}
		copied := *task
		tasks = append(tasks, &copied)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].Instance < tasks[j].Instance
	})
	return tasks, nil
}

func (s *MemoryStore) AppendNotice(_ context.Context, notice *Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noticeSeq++
	notice.ID = s.noticeSeq
	copied := *notice
	copied.CreatedAt = timeOrNow(copied.CreatedAt)
	s.notices = append(s.notices, &copied)
	return nil
}

func (s *MemoryStore) ListNotices(_ context.Context, runID string) ([]*Notice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var notices []*Notice
	for _, n := range s.notices {
		if n.RunID != runID {
			continue
		}
		copied := *n
		notices = append(notices, &copied)
	}
	return notices, nil
}

func (s *MemoryStore) PutDeployment(_ context.Context, dep *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *dep
	now := time.Now().UTC()
	if existing, ok := s.deployments[dep.Name]; ok {
		copied.CreatedAt = existing.CreatedAt
		copied.LastRunAt = existing.LastRunAt
	} else {
		copied.CreatedAt = timeOrNow(copied.CreatedAt)
	}
	copied.UpdatedAt = now
	s.deployments[dep.Name] = &copied
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, name string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dep, ok := s.deployments[name]
	if !ok {
		return nil, storeNotFound("deployment", name)
	}
	copied := *dep
	return &copied, nil
}

func (s *MemoryStore) ListDeployments(_ context.Context) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deps := make([]*Deployment, 0, len(s.deployments))
	for _, dep := range s.deployments {
		copied := *dep
		deps = append(deps, &copied)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

func (s *MemoryStore) SetDeploymentPaused(_ context.Context, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dep, ok := s.deployments[name]
	if !ok {
		return storeNotFound("deployment", name)
	}
	dep.Paused = paused
	dep.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TouchDeploymentRun(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dep, ok := s.deployments[name]
	if !ok {
		return storeNotFound("deployment", name)
	}
	now := time.Now().UTC()
	dep.LastRunAt = &now
	return nil
}

func (s *MemoryStore) DeleteDeployment(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[name]; !ok {
		return storeNotFound("deployment", name)
	}
	delete(s.deployments, name)
	return nil
}

func duplicateKey(resource, id string) error {
	return storeError("%s %q already exists", resource, id)
}

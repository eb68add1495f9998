package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowc/internal/store"
)

// FlowRunner is the interface the scheduler uses to start a run for a
// deployment. Satisfied by the engine wiring in the CLI (avoids an import
// cycle with the engine package).
type FlowRunner interface {
	RunDeployment(ctx context.Context, dep *store.Deployment) error
}

// Scheduler polls the store for scheduled deployments and triggers runs
// when their cron schedule is due.
type Scheduler struct {
	store  store.Store
	runner FlowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup // outstanding triggered runs

	inflightMu sync.Mutex
	inflight   map[string]struct{} // deployment names currently running (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner FlowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background trigger loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks every deployment and triggers the due ones.
func (s *Scheduler) tick(ctx context.Context) {
	deps, err := s.store.ListDeployments(ctx)
	if err != nil {
		s.logger.Error("failed to list deployments", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, dep := range deps {
		fire, err := due(dep, s.NextRun, now)
		if err != nil {
			s.logger.Error("bad schedule on deployment",
				slog.String("deployment", dep.Name),
				slog.String("schedule", dep.ScheduleCron),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !fire {
			continue
		}
		if !s.tryAcquire(dep.Name) {
			continue // previous run still going (dedup)
		}
		// Runs go to their own goroutine so a long run neither stalls the
		// poll loop nor blocks the other deployments.
		s.wg.Add(1)
		go func(dep *store.Deployment) {
			defer s.wg.Done()
			defer s.release(dep.Name)
			if err := s.trigger(ctx, dep); err != nil {
				s.logger.Error("failed to trigger deployment",
					slog.String("deployment", dep.Name),
					slog.String("error", err.Error()),
				)
			}
		}(dep)
	}
}

// trigger starts one run for a due deployment and stamps its last-run time.
func (s *Scheduler) trigger(ctx context.Context, dep *store.Deployment) error {
	s.logger.Info("triggering scheduled run",
		slog.String("deployment", dep.Name),
		slog.String("flow", dep.Flow),
	)

	// Stamp first so a long run is not re-triggered by the next tick.
	if err := s.store.TouchDeploymentRun(ctx, dep.Name); err != nil {
		return err
	}

	if err := s.runner.RunDeployment(ctx, dep); err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("deployment", dep.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// tryAcquire returns true and marks the deployment in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// release removes the deployment from the in-flight set.
func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun computes the next occurrence of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Package scheduler triggers runs of enabled workflows from their cron
// schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/robfig/cron/v3"
)

const DefaultInterval = 15 * time.Second

// Runner starts runs by workflow name.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, name string, opts ...service.RunOption) (models.Run, error)
}

// Definitions lists the current version of every workflow.
type Definitions interface {
	ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error)
}

// Elector decides whether this process may fire schedules. A nil Elector
// means the process is always the leader.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
}

type entry struct {
	expr string
	next time.Time
}

// Scheduler polls the definitions every interval and fires each workflow
// whose next fire time has passed. Fire times missed while the process was
// down or not the leader are not replayed; Backfill covers those.
type Scheduler struct {
	runner   Runner
	defs     Definitions
	elector  Elector
	logger   service.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func New(runner Runner, defs Definitions, elector Elector, logger service.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:   runner,
		defs:     defs,
		elector:  elector,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]entry),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("Scheduler started, checking every %s", s.interval)
	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick fires every workflow due at now and returns the runs it started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []models.Run {
	if s.elector != nil {
		leader, err := s.elector.Acquire(ctx)
		if err != nil {
			s.logger.Errorf("Leader election failed: %v", err)
			return nil
		}
		if !leader {
			s.logger.Debugf("Not the scheduler leader, skipping tick")
			return nil
		}
	}

	defs, err := s.defs.ListWorkflows(ctx)
	if err != nil {
		s.logger.Errorf("Failed to list workflows: %v", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(defs))
	var started []models.Run
	for _, def := range defs {
		if def.Schedule == "" || !def.Active || !def.Enabled {
			continue
		}
		seen[def.Name] = true
		run, ok := s.fire(ctx, def, now)
		if ok {
			started = append(started, run)
		}
	}
	for name := range s.entries {
		if !seen[name] {
			delete(s.entries, name)
		}
	}
	return started
}

// fire must be called with mu held.
func (s *Scheduler) fire(ctx context.Context, def models.WorkflowDefinition, now time.Time) (models.Run, bool) {
	sched, err := cron.ParseStandard(def.Schedule)
	if err != nil {
		s.logger.Errorf("Workflow %s has an invalid schedule %q: %v", def.Name, def.Schedule, err)
		return models.Run{}, false
	}

	e, ok := s.entries[def.Name]
	if !ok || e.expr != def.Schedule {
		s.entries[def.Name] = entry{expr: def.Schedule, next: sched.Next(now)}
		return models.Run{}, false
	}
	if now.Before(e.next) {
		return models.Run{}, false
	}

	logicalDate := e.next
	s.entries[def.Name] = entry{expr: def.Schedule, next: sched.Next(now)}
	run, err := s.runner.ExecuteWorkflow(ctx, def.Name,
		service.WithTrigger(models.ScheduleRunTrigger),
		service.WithLogicalDate(logicalDate))
	if err != nil {
		s.logger.Errorf("Scheduled run of workflow %s failed to start: %v", def.Name, err)
		return models.Run{}, false
	}
	telemetry.ScheduledRuns.WithLabelValues(def.Name).Inc()
	s.logger.Infof("Scheduled run %s of workflow %s for %s", run.ID, def.Name, logicalDate.Format(time.RFC3339))
	return run, true
}

package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/dagflow/internal/scheduler"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (logger) Debugf(string, ...interface{}) {}
func (logger) Infof(string, ...interface{})  {}
func (logger) Warnf(string, ...interface{})  {}
func (logger) Errorf(string, ...interface{}) {}

type fakeRunner struct {
	mu   sync.Mutex
	runs []models.Run
	err  error
}

func (f *fakeRunner) ExecuteWorkflow(_ context.Context, name string, opts ...service.RunOption) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Run{}, f.err
	}
	run := models.Run{ID: name + "-run", WorkflowName: name, Trigger: models.ManualRunTrigger}
	for _, opt := range opts {
		opt(&run)
	}
	f.runs = append(f.runs, run)
	return run, nil
}

type staticDefs []models.WorkflowDefinition

func (d staticDefs) ListWorkflows(context.Context) ([]models.WorkflowDefinition, error) {
	return d, nil
}

type elector struct {
	leader bool
	err    error
}

func (e elector) Acquire(context.Context) (bool, error) { return e.leader, e.err }

func scheduled(name, expr string, active, enabled bool) models.WorkflowDefinition {
	return models.WorkflowDefinition{Name: name, Version: 1, Schedule: expr, Active: active, Enabled: enabled}
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC)

	t.Run("fires once per due time with the logical date", func(t *testing.T) {
		runner := &fakeRunner{}
		defs := staticDefs{scheduled("hourly", "0 * * * *", true, true)}
		s := scheduler.New(runner, defs, nil, logger{}, time.Minute)

		assert.Empty(t, s.Tick(ctx, start), "first sight only arms the schedule")
		assert.Empty(t, s.Tick(ctx, start.Add(30*time.Minute)))

		started := s.Tick(ctx, start.Add(time.Hour))
		require.Len(t, started, 1)
		run := started[0]
		assert.Equal(t, models.ScheduleRunTrigger, run.Trigger)
		require.NotNil(t, run.LogicalDate)
		assert.True(t, run.LogicalDate.Equal(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)))

		assert.Empty(t, s.Tick(ctx, start.Add(time.Hour+time.Minute)), "not fired twice for the same time")
	})

	t.Run("skips disabled, inactive and unscheduled workflows", func(t *testing.T) {
		runner := &fakeRunner{}
		defs := staticDefs{
			scheduled("disabled", "* * * * *", true, false),
			scheduled("inactive", "* * * * *", false, true),
			scheduled("manual", "", true, true),
		}
		s := scheduler.New(runner, defs, nil, logger{}, time.Minute)
		s.Tick(ctx, start)
		s.Tick(ctx, start.Add(5*time.Minute))
		assert.Empty(t, runner.runs)
	})

	t.Run("followers do not fire", func(t *testing.T) {
		runner := &fakeRunner{}
		defs := staticDefs{scheduled("minutely", "* * * * *", true, true)}
		for _, el := range []elector{{leader: false}, {err: errors.New("redis down")}} {
			s := scheduler.New(runner, defs, el, logger{}, time.Minute)
			s.Tick(ctx, start)
			s.Tick(ctx, start.Add(5*time.Minute))
		}
		assert.Empty(t, runner.runs)
	})

	t.Run("start failures are not retried for the same time", func(t *testing.T) {
		runner := &fakeRunner{err: service.ErrWorkflowInactive}
		defs := staticDefs{scheduled("minutely", "* * * * *", true, true)}
		s := scheduler.New(runner, defs, elector{leader: true}, logger{}, time.Minute)
		s.Tick(ctx, start)
		assert.Empty(t, s.Tick(ctx, start.Add(time.Minute)))

		runner.err = nil
		assert.Empty(t, s.Tick(ctx, start.Add(time.Minute+time.Second)))
		assert.Len(t, s.Tick(ctx, start.Add(2*time.Minute)), 1)
	})
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	s := scheduler.New(&fakeRunner{}, staticDefs{}, nil, logger{}, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

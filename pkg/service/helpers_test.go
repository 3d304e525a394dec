package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(_ context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// scripted is a JOB executor whose behaviour is chosen per task id.
type scripted struct {
	mu          sync.Mutex
	behaviours  map[string]func(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error)
	calls       map[string]int
	requests    map[string]service.ExecutionRequest
	compensated []string
	compErr     map[string]error
}

func newScripted() *scripted {
	return &scripted{
		behaviours: make(map[string]func(context.Context, service.ExecutionRequest) (json.RawMessage, error)),
		calls:      make(map[string]int),
		requests:   make(map[string]service.ExecutionRequest),
		compErr:    make(map[string]error),
	}
}

func (s *scripted) on(taskID string, fn func(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviours[taskID] = fn
}

func (s *scripted) Execute(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[req.TaskID]++
	s.requests[req.TaskID] = req
	fn := s.behaviours[req.TaskID]
	s.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return fn(ctx, req)
}

func (s *scripted) Compensate(_ context.Context, req service.CompensationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compErr[req.TaskID]; err != nil {
		return err
	}
	s.compensated = append(s.compensated, req.TaskID)
	return nil
}

func (s *scripted) callCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

func (s *scripted) compensations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.compensated...)
}

func alwaysFail(msg string) func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
	return func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		return nil, errors.New(msg)
	}
}

func failTimes(n int32) func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
	var calls atomic.Int32
	return func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		if calls.Add(1) <= n {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func sleepFor(d time.Duration) func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
	return func(ctx context.Context, _ service.ExecutionRequest) (json.RawMessage, error) {
		select {
		case <-time.After(d):
			return json.RawMessage(`{"slept":true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type harness struct {
	engine *service.Engine
	store  storage.Store
	exec   *scripted
	events *recorder
}

func newHarness(t *testing.T, opts ...service.Option) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(),
		exec:   newScripted(),
		events: &recorder{},
	}
	registry := service.NewRegistry()
	registry.MustRegister(models.JobTaskType, h.exec)
	registry.MustRegister(models.SyncTaskType, h.exec)

	opts = append([]service.Option{
		service.WithWorkers(4),
		service.WithCancelGrace(200 * time.Millisecond),
		service.WithNotifiers(h.events),
	}, opts...)
	h.engine = service.NewEngine(h.store, registry, logger{}, opts...)
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) run(t *testing.T, def models.WorkflowDefinition, opts ...service.RunOption) models.Run {
	t.Helper()
	run, err := h.engine.StartRun(context.Background(), def, opts...)
	require.NoError(t, err)
	return h.wait(t, run.ID)
}

func (h *harness) wait(t *testing.T, runID string) models.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.engine.WaitRun(ctx, runID)
	require.NoError(t, err)
	return run
}

// attempts groups a run's attempts by task id.
func (h *harness) attempts(t *testing.T, runID string) map[string][]models.TaskExecution {
	t.Helper()
	execs, err := h.engine.TaskExecutions(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string][]models.TaskExecution)
	for _, e := range execs {
		out[e.TaskID] = append(out[e.TaskID], e)
	}
	return out
}

func job(id string) models.TaskDefinition {
	return models.TaskDefinition{ID: id, Type: models.JobTaskType}
}

func dep(up, down string, kind models.DependencyKind) models.Dependency {
	return models.Dependency{Upstream: up, Downstream: down, Kind: kind}
}

func workflow(name string, tasks []models.TaskDefinition, deps ...models.Dependency) models.WorkflowDefinition {
	return models.WorkflowDefinition{Name: name, Version: 1, Active: true, Tasks: tasks, Dependencies: deps}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

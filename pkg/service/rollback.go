package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCompensationTimeout bounds a single compensating action.
const DefaultCompensationTimeout = 5 * time.Minute

// RollbackResult summarises the compensation of one failed run.
type RollbackResult struct {
	Status      models.RollbackStatus
	Compensated []string
	// Skipped lists succeeded tasks in scope that have no compensating action.
	Skipped  []string
	Failures map[string]string
}

// Err returns a *models.RollbackPartialError when any compensation failed.
func (r RollbackResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &models.RollbackPartialError{Failures: r.Failures}
}

// Warnings renders failed compensations as run warnings.
func (r RollbackResult) Warnings() []string {
	if len(r.Failures) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf("compensation of task %s failed: %s", id, r.Failures[id]))
	}
	return out
}

// RollbackManager compensates succeeded tasks upstream of a failure.
type RollbackManager struct {
	store    storage.Store
	tasks    *TaskService
	registry *Registry
	events   *EventBus
	logger   Logger
	timeout  time.Duration
}

func NewRollbackManager(store storage.Store, tasks *TaskService, registry *Registry, events *EventBus, logger Logger, timeout time.Duration) *RollbackManager {
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	return &RollbackManager{
		store:    store,
		tasks:    tasks,
		registry: registry,
		events:   events,
		logger:   logger,
		timeout:  timeout,
	}
}

// Rollback loads the run's pinned definition and compensates up to depth
// hops upstream of its failed tasks.
func (rm *RollbackManager) Rollback(ctx context.Context, run models.Run, depth int) (RollbackResult, error) {
	def, err := rm.store.GetDefinitionVersion(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return RollbackResult{}, errors.Wrapf(err, "failed to load workflow %s version %d", run.WorkflowName, run.WorkflowVersion)
	}
	g, err := dag.Build(NormalizeDefinition(def))
	if err != nil {
		return RollbackResult{}, err
	}
	return rm.RollbackGraph(ctx, run, g, depth)
}

// RollbackGraph compensates, in reverse topological order, every SUCCESS
// task within depth hops upstream of a failed task that is not tolerated.
// Compensation failures are collected, never raised: the result is PARTIAL.
func (rm *RollbackManager) RollbackGraph(ctx context.Context, run models.Run, g *dag.Graph, depth int) (RollbackResult, error) {
	latest, err := rm.tasks.LatestAttempts(ctx, run.ID)
	if err != nil {
		return RollbackResult{}, err
	}

	var failed []string
	for _, id := range g.IDs() {
		if e, ok := latest[id]; ok && e.Status == models.FailedTaskStatus && !g.FailureTolerated(id) {
			failed = append(failed, id)
		}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "run.rollback", trace.WithAttributes(
		attribute.String("dagflow.run_id", run.ID),
		attribute.String("dagflow.workflow", run.WorkflowName),
		attribute.Int("dagflow.rollback_depth", depth),
	))
	defer span.End()

	result := RollbackResult{Failures: make(map[string]string)}
	for _, id := range g.Upstream(failed, depth) {
		exec, ok := latest[id]
		if !ok || exec.Status != models.SuccessTaskStatus {
			continue
		}
		task, _ := g.Task(id)
		if err := rm.compensate(ctx, run, task, exec); err != nil {
			if errors.Is(err, errNoCompensation) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			result.Failures[id] = err.Error()
			continue
		}
		result.Compensated = append(result.Compensated, id)
	}

	result.Status = models.CompletedRollbackStatus
	if len(result.Failures) > 0 {
		result.Status = models.PartialRollbackStatus
		span.SetStatus(codes.Error, result.Err().Error())
	}
	rm.logger.Infof("Rollback of run %s %s: %d compensated, %d without action, %d failed",
		run.ID, result.Status, len(result.Compensated), len(result.Skipped), len(result.Failures))
	rm.events.Emit(models.Event{
		Type:         models.RollbackCompletedEvent,
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       string(result.Status),
		Message:      fmt.Sprintf("rollback %s", result.Status),
		Attributes: map[string]string{
			"depth":       strconv.Itoa(depth),
			"compensated": strconv.Itoa(len(result.Compensated)),
			"skipped":     strconv.Itoa(len(result.Skipped)),
			"failed":      strconv.Itoa(len(result.Failures)),
		},
	})
	return result, nil
}

var errNoCompensation = errors.New("no compensating action")

func (rm *RollbackManager) compensate(ctx context.Context, run models.Run, task models.TaskDefinition, exec models.TaskExecution) error {
	storeCtx := context.WithoutCancel(ctx)
	if task.Compensation == nil {
		rm.tasks.Log(storeCtx, run.ID, task.ID, models.InfoLogLevel, "rollback: no compensating action defined")
		return errNoCompensation
	}
	executor, err := rm.registry.Get(task.Type)
	if err != nil {
		rm.tasks.Log(storeCtx, run.ID, task.ID, models.WarningLogLevel, "rollback: %v", err)
		telemetry.Compensations.WithLabelValues("failed").Inc()
		return err
	}
	comp, ok := executor.(Compensator)
	if !ok {
		rm.tasks.Log(storeCtx, run.ID, task.ID, models.InfoLogLevel, "rollback: %s tasks cannot be compensated", task.Type)
		return errNoCompensation
	}

	cctx, cancel := context.WithTimeout(ctx, rm.timeout)
	defer cancel()
	err = comp.Compensate(cctx, CompensationRequest{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		TaskID:       task.ID,
		Type:         task.Type,
		Config:       task.Config,
		Compensation: task.Compensation.Config,
		Output:       exec.Output,
	})
	if err != nil {
		telemetry.Compensations.WithLabelValues("failed").Inc()
		rm.logger.Warnf("Compensation of task %s in run %s failed: %v", task.ID, run.ID, err)
		rm.tasks.Log(storeCtx, run.ID, task.ID, models.WarningLogLevel, "rollback: compensation failed: %v", err)
		return err
	}
	telemetry.Compensations.WithLabelValues("succeeded").Inc()
	rm.tasks.Log(storeCtx, run.ID, task.ID, models.InfoLogLevel, "rollback: compensated")
	return nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/pkg/errors"
)

var errInterrupted = errors.New("attempt interrupted by engine restart")

// recoverRuns resumes every run a previous process left unfinished. A run
// whose definition can no longer be compiled is failed.
func (e *Engine) recoverRuns(ctx context.Context) error {
	runs, err := e.store.ListRunsByStatus(ctx, models.PendingRunStatus, models.RunningRunStatus)
	if err != nil {
		return errors.Wrap(err, "failed to list unfinished runs")
	}
	for _, run := range runs {
		if e.coordinator(run.ID) != nil {
			continue
		}
		if err := e.resume(ctx, run); err != nil {
			e.logger.Errorf("Failed to resume run %s: %v", run.ID, err)
			now := e.now()
			run.Status = models.FailedRunStatus
			run.Error = fmt.Sprintf("recovery failed: %v", err)
			run.FinishedAt = &now
			if uerr := e.tasks.UpdateRun(ctx, run); uerr != nil {
				e.logger.Errorf("Failed to fail unrecoverable run %s: %v", run.ID, uerr)
			}
		}
	}
	if len(runs) > 0 {
		e.logger.Infof("Recovered %d unfinished runs", len(runs))
	}
	return nil
}

func (e *Engine) resume(ctx context.Context, run models.Run) error {
	def, err := e.store.GetDefinitionVersion(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return err
	}
	g, err := dag.Compile(NormalizeDefinition(def), e.registry)
	if err != nil {
		return err
	}
	latest, err := e.tasks.LatestAttempts(ctx, run.ID)
	if err != nil {
		return err
	}

	c := newRunCoordinator(e, run, g)
	now := e.now()
	for _, id := range g.TopologicalOrder() {
		exec, ok := latest[id]
		if !ok {
			continue
		}
		task, _ := g.Task(id)
		if exec.Status == models.RunningTaskStatus {
			out := e.monitor.Interrupted(ctx, run.WorkflowName, task, exec)
			exec = out.Execution
			if out.Kind == OutcomeRetry {
				c.latest[id] = exec
				c.inFlight[id] = true
				c.retries = append(c.retries, pendingRetry{taskID: id, attempt: exec.Attempt + 1, delay: out.RetryDelay})
				continue
			}
		}
		c.latest[id] = exec

		switch exec.Status {
		case models.SuccessTaskStatus:
			c.outputs[id] = exec.Output
			c.evaluateConditions(id)
		case models.FailedTaskStatus:
			c.evaluateConditions(id)
			c.noteFailure(id, exec.Error)
		case models.QueuedTaskStatus:
			c.inFlight[id] = true
			c.resume = append(c.resume, exec)
		case models.RetryScheduledTaskStatus:
			c.inFlight[id] = true
			var delay time.Duration
			if exec.NextAttemptAt != nil {
				delay = exec.NextAttemptAt.Sub(now)
			}
			if delay < 0 {
				delay = 0
			}
			c.retries = append(c.retries, pendingRetry{taskID: id, attempt: exec.Attempt + 1, delay: delay})
		}
	}
	if c.def.FailFast && len(c.failures) > 0 {
		c.halted = true
		c.reason = fmt.Sprintf("run halted after task %s failed", c.failures[0].taskID)
	}

	pending := len(c.inFlight)
	e.launch(c)
	e.logger.Infof("Resumed run %s of workflow %s: %d tasks pending", run.ID, run.WorkflowName, pending)
	return nil
}

// Interrupted closes an attempt found RUNNING after a restart. It counts as
// a failed attempt, so the task's retry policy decides what happens next.
func (m *Monitor) Interrupted(ctx context.Context, workflowName string, task models.TaskDefinition, exec models.TaskExecution) Outcome {
	now := m.now()
	exec.FinishedAt = &now
	out := m.failed(Attempt{WorkflowName: workflowName, Task: task, Execution: exec}, &exec, now, errInterrupted)
	if err := m.tasks.Transition(ctx, exec, models.RunningTaskStatus); err != nil {
		m.logger.Errorf("Failed to close interrupted attempt %d of task %s in run %s: %v", exec.Attempt, exec.TaskID, exec.RunID, err)
	}
	m.logAttempt(ctx, exec)
	out.Execution = exec
	return out
}

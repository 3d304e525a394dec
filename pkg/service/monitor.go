package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTaskTimeout is the hard wall-time bound of a single attempt.
	DefaultTaskTimeout = 30 * time.Minute
	// DefaultCancelGrace is how long an interrupted executor may take to return.
	DefaultCancelGrace = 5 * time.Second
)

// OutcomeKind classifies what happened to one attempt.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeRetry
	OutcomeFailed
	OutcomeCancelled
	// OutcomeDropped means the attempt was never started, usually because a
	// cancellation closed it while it sat in the queue.
	OutcomeDropped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDropped:
		return "dropped"
	}
	return "unknown"
}

// Attempt is a queued attempt together with what its executor needs.
type Attempt struct {
	WorkflowName string
	Task         models.TaskDefinition
	Execution    models.TaskExecution
	Upstream     map[string]json.RawMessage
}

// Outcome is the closed attempt record and what the run should do next.
type Outcome struct {
	Kind       OutcomeKind
	Execution  models.TaskExecution
	RetryDelay time.Duration
	Err        error
}

// Monitor executes attempts and owns the RUNNING status: it starts the
// attempt, watches its SLA and hard timeout, and records the result.
type Monitor struct {
	tasks       *TaskService
	registry    *Registry
	events      *EventBus
	logger      Logger
	taskTimeout time.Duration
	cancelGrace time.Duration
	now         func() time.Time
}

func NewMonitor(tasks *TaskService, registry *Registry, events *EventBus, logger Logger, taskTimeout, cancelGrace time.Duration) *Monitor {
	if cancelGrace <= 0 {
		cancelGrace = DefaultCancelGrace
	}
	return &Monitor{
		tasks:       tasks,
		registry:    registry,
		events:      events,
		logger:      logger,
		taskTimeout: taskTimeout,
		cancelGrace: cancelGrace,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type execResult struct {
	output json.RawMessage
	err    error
}

// Run executes a. runCtx is cancelled when the run is cancelled; store writes
// use a detached context so the final status is always recorded.
func (m *Monitor) Run(runCtx context.Context, a Attempt) Outcome {
	storeCtx := context.WithoutCancel(runCtx)
	exec := a.Execution
	started := m.now()
	exec.Status = models.RunningTaskStatus
	exec.StartedAt = &started
	if err := m.tasks.Transition(storeCtx, exec, models.QueuedTaskStatus); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			m.logger.Debugf("Attempt %d of task %s in run %s was closed before it started", exec.Attempt, exec.TaskID, exec.RunID)
		} else {
			m.logger.Errorf("Failed to start attempt %d of task %s in run %s: %v", exec.Attempt, exec.TaskID, exec.RunID, err)
		}
		return Outcome{Kind: OutcomeDropped, Execution: a.Execution, Err: err}
	}
	m.tasks.Log(storeCtx, exec.RunID, exec.TaskID, models.InfoLogLevel, "attempt %d started", exec.Attempt)

	ctx, span := telemetry.Tracer().Start(runCtx, "task.attempt", trace.WithAttributes(
		attribute.String("dagflow.run_id", exec.RunID),
		attribute.String("dagflow.workflow", a.WorkflowName),
		attribute.String("dagflow.task_id", exec.TaskID),
		attribute.String("dagflow.task_type", string(a.Task.Type)),
		attribute.Int("dagflow.attempt", exec.Attempt),
	))
	defer span.End()

	res, breached, abandon := m.execute(ctx, a, exec)

	finished := m.now()
	exec.FinishedAt = &finished
	exec.SLABreached = breached
	telemetry.TaskDurationSeconds.WithLabelValues(string(a.Task.Type)).Observe(finished.Sub(started).Seconds())

	var out Outcome
	switch {
	case abandon == nil && res.err == nil:
		exec.Status = models.SuccessTaskStatus
		exec.Output = res.output
		out = Outcome{Kind: OutcomeSucceeded}
	case abandon == nil && runCtx.Err() != nil:
		exec.Status = models.CancelledTaskStatus
		exec.Error = models.ErrRunCancelled.Error()
		out = Outcome{Kind: OutcomeCancelled, Err: models.ErrRunCancelled}
	default:
		cause := abandon
		if cause == nil {
			cause = res.err
		}
		out = m.failed(a, &exec, finished, cause)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.SetAttributes(attribute.String("dagflow.status", string(exec.Status)))

	if err := m.tasks.Transition(storeCtx, exec, models.RunningTaskStatus); err != nil {
		m.logger.Errorf("Failed to record attempt %d of task %s in run %s as %s: %v", exec.Attempt, exec.TaskID, exec.RunID, exec.Status, err)
	}
	telemetry.TaskAttempts.WithLabelValues(string(a.Task.Type), string(exec.Status)).Inc()
	m.logAttempt(storeCtx, exec)

	out.Execution = exec
	return out
}

// execute runs the executor and watches it. abandon is set when the attempt
// is failed regardless of what the executor returned: a fatal SLA breach or
// the hard timeout.
func (m *Monitor) execute(ctx context.Context, a Attempt, exec models.TaskExecution) (res execResult, breached bool, abandon error) {
	executor, err := m.registry.Get(a.Task.Type)
	if err != nil {
		return execResult{err: err}, false, nil
	}

	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if m.taskTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, m.taskTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- execResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		output, err := executor.Execute(attemptCtx, ExecutionRequest{
			RunID:        exec.RunID,
			WorkflowName: a.WorkflowName,
			TaskID:       exec.TaskID,
			Attempt:      exec.Attempt,
			Type:         a.Task.Type,
			Config:       a.Task.Config,
			Upstream:     a.Upstream,
		})
		results <- execResult{output: output, err: err}
	}()

	var slaC <-chan time.Time
	if a.Task.SLA != nil {
		timer := time.NewTimer(a.Task.SLA.Threshold())
		defer timer.Stop()
		slaC = timer.C
	}

	for {
		select {
		case res = <-results:
			return res, breached, nil
		case <-slaC:
			slaC = nil
			breached = true
			m.breach(a, exec)
			if a.Task.SLA.FailOnBreach {
				cancel()
				res, _ = m.await(results)
				return res, true, &models.SLABreachError{TaskID: exec.TaskID, Attempt: exec.Attempt, Threshold: a.Task.SLA.Threshold()}
			}
		case <-attemptCtx.Done():
			r, ok := m.await(results)
			if ctx.Err() != nil {
				// Run cancelled: honour a result that made it in time.
				if !ok {
					r = execResult{err: ctx.Err()}
				}
				return r, breached, nil
			}
			return r, breached, fmt.Errorf("task %s exceeded timeout of %s", exec.TaskID, m.taskTimeout)
		}
	}
}

// await gives an interrupted executor cancelGrace to return. The executor
// goroutine is abandoned if it does not.
func (m *Monitor) await(results <-chan execResult) (execResult, bool) {
	t := time.NewTimer(m.cancelGrace)
	defer t.Stop()
	select {
	case r := <-results:
		return r, true
	case <-t.C:
		m.logger.Warnf("Executor did not return within %s of cancellation; abandoning it", m.cancelGrace)
		return execResult{err: context.Canceled}, false
	}
}

func (m *Monitor) breach(a Attempt, exec models.TaskExecution) {
	threshold := a.Task.SLA.Threshold()
	telemetry.SLABreaches.WithLabelValues(a.WorkflowName).Inc()
	m.logger.Warnf("Task %s attempt %d in run %s exceeded SLA of %s", exec.TaskID, exec.Attempt, exec.RunID, threshold)
	m.tasks.Log(context.Background(), exec.RunID, exec.TaskID, models.WarningLogLevel, "attempt %d exceeded SLA of %s", exec.Attempt, threshold)
	if !a.Task.SLA.AlertOnBreach {
		return
	}
	m.events.Emit(models.Event{
		Type:         models.SLABreachEvent,
		RunID:        exec.RunID,
		WorkflowName: a.WorkflowName,
		TaskID:       exec.TaskID,
		Attempt:      exec.Attempt,
		Status:       string(models.RunningTaskStatus),
		Message:      fmt.Sprintf("attempt exceeded SLA of %s", threshold),
		Attributes: map[string]string{
			"threshold_seconds": strconv.FormatFloat(a.Task.SLA.MaxExecutionSeconds, 'f', -1, 64),
			"fail_on_breach":    strconv.FormatBool(a.Task.SLA.FailOnBreach),
		},
	})
}

// failed applies the retry policy to a failed attempt.
func (m *Monitor) failed(a Attempt, exec *models.TaskExecution, finished time.Time, cause error) Outcome {
	exec.Error = cause.Error()
	if a.Task.Retry.ShouldRetry(exec.Attempt) {
		delay := a.Task.Retry.Delay(exec.Attempt)
		next := finished.Add(delay)
		exec.Status = models.RetryScheduledTaskStatus
		exec.NextAttemptAt = &next
		telemetry.TaskRetries.WithLabelValues(string(a.Task.Type)).Inc()
		return Outcome{
			Kind:       OutcomeRetry,
			RetryDelay: delay,
			Err:        &models.TaskExecutionFailedError{TaskID: exec.TaskID, Attempt: exec.Attempt, Err: cause},
		}
	}

	exec.Status = models.FailedTaskStatus
	err := &models.RetriesExhaustedError{TaskID: exec.TaskID, Attempts: exec.Attempt, Err: cause}
	m.events.Emit(models.Event{
		Type:         models.RetryExhaustedEvent,
		RunID:        exec.RunID,
		WorkflowName: a.WorkflowName,
		TaskID:       exec.TaskID,
		Attempt:      exec.Attempt,
		Status:       string(models.FailedTaskStatus),
		Message:      err.Error(),
	})
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (m *Monitor) logAttempt(ctx context.Context, exec models.TaskExecution) {
	switch exec.Status {
	case models.SuccessTaskStatus:
		m.logger.Infof("Task %s attempt %d in run %s succeeded", exec.TaskID, exec.Attempt, exec.RunID)
		m.tasks.Log(ctx, exec.RunID, exec.TaskID, models.InfoLogLevel, "attempt %d succeeded", exec.Attempt)
	case models.RetryScheduledTaskStatus:
		m.logger.Warnf("Task %s attempt %d in run %s failed, retrying at %s: %s", exec.TaskID, exec.Attempt, exec.RunID, exec.NextAttemptAt.Format(time.RFC3339), exec.Error)
		m.tasks.Log(ctx, exec.RunID, exec.TaskID, models.WarningLogLevel, "attempt %d failed, retry scheduled: %s", exec.Attempt, exec.Error)
	case models.FailedTaskStatus:
		m.logger.Errorf("Task %s attempt %d in run %s failed: %s", exec.TaskID, exec.Attempt, exec.RunID, exec.Error)
		m.tasks.Log(ctx, exec.RunID, exec.TaskID, models.ErrorLogLevel, "attempt %d failed, no retries left: %s", exec.Attempt, exec.Error)
	case models.CancelledTaskStatus:
		m.logger.Infof("Task %s attempt %d in run %s cancelled", exec.TaskID, exec.Attempt, exec.RunID)
		m.tasks.Log(ctx, exec.RunID, exec.TaskID, models.InfoLogLevel, "attempt %d cancelled", exec.Attempt)
	}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/queue"
)

// mailbox is an unbounded queue of coordinator messages. Posting never
// blocks, so workers and timers can report while the coordinator is itself
// waiting for room in the task queue.
type mailbox struct {
	mu     sync.Mutex
	msgs   []interface{}
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) post(msg interface{}) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

type attemptReport struct{ outcome Outcome }

type retryDue struct {
	taskID  string
	attempt int
}

type cancelRequest struct{ reason string }

const runCancelledReason = "run cancelled"

type pendingRetry struct {
	taskID  string
	attempt int
	delay   time.Duration
}

type taskFailure struct {
	taskID string
	err    string
}

// runCoordinator drives one run. All of its state below the mailbox is owned
// by the loop goroutine; other goroutines talk to it through the mailbox.
type runCoordinator struct {
	engine   *Engine
	graph    *dag.Graph
	def      models.WorkflowDefinition
	runID    string
	workflow string
	ctx      context.Context // cancelled when the run is cancelled
	cancel   context.CancelFunc
	storeCtx context.Context
	box      *mailbox
	done     chan struct{}
	prepared sync.Map // execution id -> Attempt

	run        models.Run
	latest     map[string]models.TaskExecution
	outputs    map[string]json.RawMessage
	conditions map[dag.EdgeKey]bool
	inFlight   map[string]bool
	timers     map[string]*time.Timer
	failures   []taskFailure
	resume     []models.TaskExecution
	retries    []pendingRetry
	cancelling bool
	halted     bool
	reason     string
}

func newRunCoordinator(e *Engine, run models.Run, g *dag.Graph) *runCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &runCoordinator{
		engine:     e,
		graph:      g,
		def:        g.Definition(),
		runID:      run.ID,
		workflow:   run.WorkflowName,
		ctx:        ctx,
		cancel:     cancel,
		storeCtx:   context.Background(),
		box:        newMailbox(),
		done:       make(chan struct{}),
		run:        run,
		latest:     make(map[string]models.TaskExecution),
		outputs:    make(map[string]json.RawMessage),
		conditions: make(map[dag.EdgeKey]bool),
		inFlight:   make(map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
}

func (c *runCoordinator) loop() {
	defer close(c.done)
	defer c.engine.unregister(c)

	c.begin()
	c.startup()
	for {
		if c.active() {
			c.schedule()
		}
		if c.ctx.Err() != nil {
			c.beginCancel(runCancelledReason)
		}
		if len(c.inFlight) == 0 {
			break
		}
		select {
		case <-c.box.signal:
			for _, msg := range c.box.drain() {
				c.handle(msg)
			}
		case <-c.engine.ctx.Done():
			c.detach()
			return
		}
	}
	c.finalize()
}

// active reports whether new attempts may still be started.
func (c *runCoordinator) active() bool {
	return !c.cancelling && !c.halted && c.ctx.Err() == nil
}

func (c *runCoordinator) begin() {
	if c.run.Status != models.PendingRunStatus {
		c.engine.tasks.Log(c.storeCtx, c.runID, "", models.InfoLogLevel, "run resumed")
		return
	}
	now := c.engine.now()
	c.run.Status = models.RunningRunStatus
	c.run.StartedAt = &now
	if err := c.engine.tasks.UpdateRun(c.storeCtx, c.run); err != nil {
		c.engine.logger.Errorf("Failed to mark run %s running: %v", c.runID, err)
	}
	c.engine.tasks.Log(c.storeCtx, c.runID, "", models.InfoLogLevel,
		"run started: workflow %s version %d, trigger %s", c.workflow, c.run.WorkflowVersion, c.run.Trigger)
}

// startup re-arms work restored from the store.
func (c *runCoordinator) startup() {
	resume, retries := c.resume, c.retries
	c.resume, c.retries = nil, nil
	if c.halted {
		c.drainPending(c.reason)
		return
	}
	for _, r := range retries {
		c.armRetry(r.taskID, r.attempt, r.delay)
	}
	for _, exec := range resume {
		c.prepare(exec)
		c.push(exec)
	}
}

// schedule resolves until the graph yields nothing new, skipping and
// enqueueing as it goes.
func (c *runCoordinator) schedule() {
	for c.active() {
		res := dag.Resolve(c.graph, c.snapshot())
		if res.Empty() {
			return
		}
		for _, s := range res.Skipped {
			c.skip(s)
		}
		for _, id := range res.Ready {
			c.enqueue(id, 1)
		}
	}
}

func (c *runCoordinator) snapshot() dag.Snapshot {
	states := make(map[string]models.TaskStatus, len(c.latest))
	for id, e := range c.latest {
		states[id] = e.Status
	}
	return dag.Snapshot{States: states, Conditions: c.conditions}
}

func (c *runCoordinator) handle(msg interface{}) {
	switch m := msg.(type) {
	case attemptReport:
		c.report(m.outcome)
	case retryDue:
		delete(c.timers, m.taskID)
		if !c.active() || !c.inFlight[m.taskID] {
			return
		}
		c.enqueue(m.taskID, m.attempt)
	case cancelRequest:
		c.beginCancel(m.reason)
	}
}

func (c *runCoordinator) enqueue(taskID string, attempt int) {
	task, _ := c.graph.Task(taskID)
	exec := models.TaskExecution{
		ID:       uuid.NewString(),
		RunID:    c.runID,
		TaskID:   taskID,
		Attempt:  attempt,
		Status:   models.QueuedTaskStatus,
		Priority: task.Priority,
		QueuedAt: c.engine.now(),
	}
	if err := c.engine.tasks.CreateAttempt(c.storeCtx, exec); err != nil {
		c.localFailure(taskID, attempt, err)
		return
	}
	c.latest[taskID] = exec
	c.inFlight[taskID] = true
	c.prepare(exec)
	c.push(exec)
}

// prepare captures what the worker needs. Every upstream of a queued task is
// terminal, so the outputs cannot change afterwards.
func (c *runCoordinator) prepare(exec models.TaskExecution) {
	task, _ := c.graph.Task(exec.TaskID)
	upstream := make(map[string]json.RawMessage)
	for _, d := range c.graph.Incoming(exec.TaskID) {
		if out, ok := c.outputs[d.Upstream]; ok {
			upstream[d.Upstream] = out
		}
	}
	c.prepared.Store(exec.ID, Attempt{
		WorkflowName: c.workflow,
		Task:         task,
		Execution:    exec,
		Upstream:     upstream,
	})
}

func (c *runCoordinator) push(exec models.TaskExecution) {
	item := queue.Item{
		RunID:       c.runID,
		TaskID:      exec.TaskID,
		ExecutionID: exec.ID,
		Attempt:     exec.Attempt,
		Priority:    exec.Priority,
		EnqueuedAt:  exec.QueuedAt,
	}
	err := c.engine.queue.Enqueue(c.ctx, item)
	switch {
	case err == nil:
		telemetry.QueueDepth.Set(float64(c.engine.queue.Size()))
	case errors.Is(err, queue.ErrClosed):
		// Shutting down: the attempt stays QUEUED and is re-enqueued on recovery.
		c.engine.logger.Warnf("Queue closed; attempt %d of task %s in run %s left queued", exec.Attempt, exec.TaskID, c.runID)
	default:
		c.closeQueued(exec, runCancelledReason, false)
	}
}

func (c *runCoordinator) skip(s dag.Skip) {
	task, _ := c.graph.Task(s.TaskID)
	now := c.engine.now()
	exec := models.TaskExecution{
		ID:         uuid.NewString(),
		RunID:      c.runID,
		TaskID:     s.TaskID,
		Attempt:    1,
		Status:     models.SkippedTaskStatus,
		Priority:   task.Priority,
		Error:      s.Reason,
		QueuedAt:   now,
		FinishedAt: &now,
	}
	if err := c.engine.tasks.CreateAttempt(c.storeCtx, exec); err != nil {
		c.engine.logger.Errorf("Failed to record skip of task %s in run %s: %v", s.TaskID, c.runID, err)
	}
	c.latest[s.TaskID] = exec
	c.engine.logger.Infof("Task %s in run %s skipped: %s", s.TaskID, c.runID, s.Reason)
	c.engine.tasks.Log(c.storeCtx, c.runID, s.TaskID, models.InfoLogLevel, "skipped: %s", s.Reason)
}

func (c *runCoordinator) report(out Outcome) {
	exec := out.Execution
	id := exec.TaskID
	if cur, ok := c.latest[id]; ok && cur.Attempt > exec.Attempt {
		return
	}
	if out.Kind == OutcomeDropped {
		// Closed by a cancellation that already accounted for it.
		if errors.Is(out.Err, models.ErrInvalidTransition) {
			return
		}
		c.localFailure(id, exec.Attempt, out.Err)
		return
	}

	c.latest[id] = exec
	switch out.Kind {
	case OutcomeSucceeded:
		delete(c.inFlight, id)
		c.outputs[id] = exec.Output
		c.evaluateConditions(id)
	case OutcomeCancelled:
		delete(c.inFlight, id)
	case OutcomeFailed:
		delete(c.inFlight, id)
		c.evaluateConditions(id)
		if c.noteFailure(id, exec.Error) && c.def.FailFast && c.active() {
			c.halt(id)
		}
	case OutcomeRetry:
		if !c.active() {
			c.closeRetry(exec, c.closeReason())
			return
		}
		c.armRetry(id, exec.Attempt+1, out.RetryDelay)
	}
}

func (c *runCoordinator) armRetry(taskID string, attempt int, delay time.Duration) {
	c.inFlight[taskID] = true
	c.timers[taskID] = time.AfterFunc(delay, func() {
		c.box.post(retryDue{taskID: taskID, attempt: attempt})
	})
}

func (c *runCoordinator) evaluateConditions(taskID string) {
	for _, d := range c.graph.Outgoing(taskID) {
		if d.Condition == "" {
			continue
		}
		ok, err := c.engine.evaluator.Evaluate(d.Condition, c.outputs[taskID])
		if err != nil {
			c.engine.logger.Warnf("Condition %q on %s -> %s in run %s: %v", d.Condition, taskID, d.Downstream, c.runID, err)
			c.engine.tasks.Log(c.storeCtx, c.runID, d.Downstream, models.WarningLogLevel, "condition %q could not be evaluated: %v", d.Condition, err)
			ok = false
		}
		c.conditions[dag.EdgeKey{Upstream: taskID, Downstream: d.Downstream}] = ok
	}
}

// noteFailure records a FAILED task and reports whether it fails the run.
func (c *runCoordinator) noteFailure(taskID, msg string) bool {
	if c.graph.FailureTolerated(taskID) {
		c.engine.logger.Infof("Failure of task %s in run %s tolerated by its skip-on-failure edges", taskID, c.runID)
		return false
	}
	c.failures = append(c.failures, taskFailure{taskID: taskID, err: msg})
	return true
}

// localFailure closes a task the store could not record, so the run can end.
func (c *runCoordinator) localFailure(taskID string, attempt int, err error) {
	c.engine.logger.Errorf("Task %s attempt %d in run %s could not be recorded: %v", taskID, attempt, c.runID, err)
	now := c.engine.now()
	c.latest[taskID] = models.TaskExecution{
		RunID:      c.runID,
		TaskID:     taskID,
		Attempt:    attempt,
		Status:     models.FailedTaskStatus,
		Error:      err.Error(),
		QueuedAt:   now,
		FinishedAt: &now,
	}
	delete(c.inFlight, taskID)
	if c.noteFailure(taskID, err.Error()) && c.def.FailFast && c.active() {
		c.halt(taskID)
	}
}

func (c *runCoordinator) beginCancel(reason string) {
	if c.cancelling {
		return
	}
	c.cancelling = true
	c.reason = reason
	c.cancel()
	c.engine.logger.Infof("Cancelling run %s", c.runID)
	c.engine.tasks.Log(c.storeCtx, c.runID, "", models.WarningLogLevel, "%s", reason)
	c.drainPending(reason)
}

func (c *runCoordinator) halt(taskID string) {
	c.halted = true
	c.reason = fmt.Sprintf("run halted after task %s failed", taskID)
	c.engine.logger.Warnf("Run %s: %s", c.runID, c.reason)
	c.engine.tasks.Log(c.storeCtx, c.runID, "", models.WarningLogLevel, "%s", c.reason)
	c.drainPending(c.reason)
}

// drainPending closes queued attempts and pending retries. Attempts a worker
// has already started stay in flight until their outcome is reported.
func (c *runCoordinator) drainPending(reason string) {
	removed := c.engine.queue.RemoveIf(func(it queue.Item) bool { return it.RunID == c.runID })
	telemetry.QueueDepth.Set(float64(c.engine.queue.Size()))
	unclaimed := make(map[string]bool, len(removed))
	for _, it := range removed {
		unclaimed[it.ExecutionID] = true
	}
	for _, id := range c.graph.IDs() {
		if !c.inFlight[id] {
			continue
		}
		switch exec := c.latest[id]; exec.Status {
		case models.QueuedTaskStatus:
			c.closeQueued(exec, reason, !unclaimed[exec.ID])
		case models.RetryScheduledTaskStatus:
			c.closeRetry(exec, reason)
		}
	}
}

// closeQueued moves a queued attempt to CANCELLED. It loses, and changes
// nothing, when a worker has already started the attempt: the task stays in
// flight and the worker's report settles it. claimed says a worker may hold
// the item.
func (c *runCoordinator) closeQueued(exec models.TaskExecution, reason string, claimed bool) bool {
	now := c.engine.now()
	exec.Status = models.CancelledTaskStatus
	exec.Error = reason
	exec.FinishedAt = &now
	if err := c.engine.tasks.Transition(c.storeCtx, exec, models.QueuedTaskStatus); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			c.engine.logger.Debugf("Attempt %d of task %s in run %s already started; waiting for it", exec.Attempt, exec.TaskID, c.runID)
			c.latest[exec.TaskID] = startedCopy(c.latest[exec.TaskID])
			return false
		}
		c.engine.logger.Errorf("Failed to cancel queued attempt of task %s in run %s: %v", exec.TaskID, c.runID, err)
		if claimed {
			return false
		}
	}
	c.prepared.Delete(exec.ID)
	c.latest[exec.TaskID] = exec
	delete(c.inFlight, exec.TaskID)
	return true
}

// startedCopy marks the coordinator's view of an attempt as running, so a
// later drain does not try to cancel it again.
func startedCopy(exec models.TaskExecution) models.TaskExecution {
	exec.Status = models.RunningTaskStatus
	return exec
}

// closeRetry replaces a pending retry with a CANCELLED next attempt.
func (c *runCoordinator) closeRetry(prev models.TaskExecution, reason string) {
	if t, ok := c.timers[prev.TaskID]; ok {
		t.Stop()
		delete(c.timers, prev.TaskID)
	}
	c.latest[prev.TaskID] = c.recordClosed(prev.TaskID, prev.Attempt+1, prev.Priority, reason)
	delete(c.inFlight, prev.TaskID)
}

func (c *runCoordinator) recordClosed(taskID string, attempt, priority int, reason string) models.TaskExecution {
	now := c.engine.now()
	exec := models.TaskExecution{
		ID:         uuid.NewString(),
		RunID:      c.runID,
		TaskID:     taskID,
		Attempt:    attempt,
		Status:     models.CancelledTaskStatus,
		Priority:   priority,
		Error:      reason,
		QueuedAt:   now,
		FinishedAt: &now,
	}
	if err := c.engine.tasks.CreateAttempt(c.storeCtx, exec); err != nil {
		c.engine.logger.Errorf("Failed to record cancelled task %s in run %s: %v", taskID, c.runID, err)
	}
	return exec
}

func (c *runCoordinator) finalize() {
	for _, id := range c.graph.TopologicalOrder() {
		if _, ok := c.latest[id]; ok {
			continue
		}
		task, _ := c.graph.Task(id)
		c.latest[id] = c.recordClosed(id, 1, task.Priority, c.closeReason())
	}

	now := c.engine.now()
	switch {
	case c.cancelling:
		c.run.Status = models.CancelledRunStatus
		c.run.Error = c.reason
	case len(c.failures) > 0:
		c.run.Status = models.FailedRunStatus
		c.run.FailedTaskID = c.failures[0].taskID
		c.run.Error = c.failures[0].err
	default:
		c.run.Status = models.SuccessRunStatus
	}

	if c.run.Status == models.FailedRunStatus && c.def.Rollback != nil {
		result, err := c.engine.rollback.RollbackGraph(c.storeCtx, c.run, c.graph, c.def.Rollback.Depth)
		if err != nil {
			c.engine.logger.Errorf("Rollback of run %s failed: %v", c.runID, err)
			c.run.RollbackStatus = models.PartialRollbackStatus
			c.run.Warnings = append(c.run.Warnings, fmt.Sprintf("rollback: %v", err))
		} else {
			c.run.RollbackStatus = result.Status
			c.run.Warnings = append(c.run.Warnings, result.Warnings()...)
		}
	}

	c.run.FinishedAt = &now
	if err := c.engine.tasks.UpdateRun(c.storeCtx, c.run); err != nil {
		c.engine.logger.Errorf("Failed to record outcome of run %s: %v", c.runID, err)
	}
	c.cancel()

	level := models.InfoLogLevel
	if c.run.Status != models.SuccessRunStatus {
		level = models.ErrorLogLevel
	}
	c.engine.tasks.Log(c.storeCtx, c.runID, "", level, "run finished %s", c.run.Status)
	c.engine.logger.Infof("Run %s of workflow %s finished %s", c.runID, c.workflow, c.run.Status)
	telemetry.RunsFinished.WithLabelValues(c.workflow, string(c.run.Status)).Inc()

	attrs := map[string]string{"trigger": string(c.run.Trigger)}
	if c.run.FailedTaskID != "" {
		attrs["failed_task"] = c.run.FailedTaskID
	}
	if c.run.RollbackStatus != models.NoRollbackStatus {
		attrs["rollback_status"] = string(c.run.RollbackStatus)
	}
	c.engine.events.Emit(models.Event{
		Type:         models.RunTerminalEvent,
		RunID:        c.runID,
		WorkflowName: c.workflow,
		Status:       string(c.run.Status),
		Message:      c.run.Error,
		Attributes:   attrs,
	})
}

func (c *runCoordinator) closeReason() string {
	if c.reason == "" {
		return runCancelledReason
	}
	return c.reason
}

// detach leaves the run as stored so the next engine start resumes it.
func (c *runCoordinator) detach() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.cancel()
	c.engine.logger.Infof("Engine stopping; run %s left %s for recovery", c.runID, c.run.Status)
}

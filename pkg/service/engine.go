package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/queue"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/pkg/errors"
)

var (
	ErrEngineNotRunning = errors.New("engine is not running")
	ErrWorkflowInactive = errors.New("workflow is inactive")
	// ErrRunNotActive is returned when cancelling a run that no coordinator
	// of this engine owns.
	ErrRunNotActive = errors.New("run is not active on this engine")
)

const (
	DefaultQueueCapacity   = 1024
	DefaultMaxBackfillRuns = 366
)

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the initial pool size; n <= 0 means one worker per CPU.
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// WithQueueCapacity bounds the shared task queue; n <= 0 means unbounded.
func WithQueueCapacity(n int) Option { return func(e *Engine) { e.queueCapacity = n } }

// WithTaskTimeout sets the hard wall-time bound of one attempt; 0 disables it.
func WithTaskTimeout(d time.Duration) Option { return func(e *Engine) { e.taskTimeout = d } }

func WithCancelGrace(d time.Duration) Option { return func(e *Engine) { e.cancelGrace = d } }

func WithCompensationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.compensationTimeout = d }
}

func WithMaxBackfillRuns(n int) Option { return func(e *Engine) { e.maxBackfillRuns = n } }

// WithNotifiers adds event sinks. Events are always written to the logger.
func WithNotifiers(n ...Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n...) }
}

func WithEventBuffer(n int) Option { return func(e *Engine) { e.eventBuffer = n } }

func WithConditionEvaluator(ev ConditionEvaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// RunOption configures a single run.
type RunOption func(*models.Run)

func WithTrigger(t models.RunTrigger) RunOption { return func(r *models.Run) { r.Trigger = t } }

func WithLogicalDate(t time.Time) RunOption {
	return func(r *models.Run) {
		t = t.UTC()
		r.LogicalDate = &t
	}
}

func WithParentRun(id string) RunOption { return func(r *models.Run) { r.ParentRunID = id } }

// Engine runs workflow definitions: it owns the shared queue, the worker
// pool and one coordinator per active run.
type Engine struct {
	store     storage.Store
	registry  *Registry
	logger    Logger
	workflows *WorkflowService
	tasks     *TaskService
	queue     *queue.Queue
	pool      *WorkerPool
	monitor   *Monitor
	rollback  *RollbackManager
	events    *EventBus
	evaluator ConditionEvaluator
	notifiers []Notifier

	workers             int
	queueCapacity       int
	maxBackfillRuns     int
	eventBuffer         int
	taskTimeout         time.Duration
	cancelGrace         time.Duration
	compensationTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	runs    map[string]*runCoordinator
	started bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewEngine(store storage.Store, registry *Registry, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		registry:        registry,
		logger:          logger,
		evaluator:       OutputFlagEvaluator{},
		queueCapacity:   DefaultQueueCapacity,
		maxBackfillRuns: DefaultMaxBackfillRuns,
		taskTimeout:     DefaultTaskTimeout,
		cancelGrace:     DefaultCancelGrace,
		runs:            make(map[string]*runCoordinator),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.tasks = NewTaskService(store, logger)
	e.workflows = NewWorkflowService(store, registry, logger)
	e.queue = queue.New(e.queueCapacity)
	e.events = NewEventBus(logger, e.eventBuffer, append([]Notifier{LogNotifier{Logger: logger}}, e.notifiers...)...)
	e.monitor = NewMonitor(e.tasks, registry, e.events, logger, e.taskTimeout, e.cancelGrace)
	e.rollback = NewRollbackManager(store, e.tasks, registry, e.events, logger, e.compensationTimeout)
	e.pool = NewWorkerPool(e.ctx, e.queue, e.handle, logger)
	return e
}

// Workflows returns the definition service bound to the engine's store.
func (e *Engine) Workflows() *WorkflowService { return e.workflows }

// Registry returns the executor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Start launches the workers and resumes every run left PENDING or RUNNING
// by a previous process.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.started = true
	e.mu.Unlock()

	e.pool.Start(e.workers)
	return e.recoverRuns(ctx)
}

// Stop drains the engine: workers finish their current attempt, then every
// coordinator detaches, leaving unfinished runs for the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.queue.Close()
	e.pool.Stop()
	e.cancel()
	e.wg.Wait()
	e.events.Close()
	e.logger.Infof("Engine stopped")
}

// Ready reports whether the engine accepts runs.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// handle is the worker pool handler.
func (e *Engine) handle(_ context.Context, item queue.Item) {
	c := e.coordinator(item.RunID)
	if c == nil {
		e.logger.Warnf("Dropping attempt %d of task %s: run %s is not active", item.Attempt, item.TaskID, item.RunID)
		return
	}
	v, ok := c.prepared.LoadAndDelete(item.ExecutionID)
	if !ok {
		e.logger.Debugf("Attempt %d of task %s in run %s was closed while queued", item.Attempt, item.TaskID, item.RunID)
		return
	}
	c.box.post(attemptReport{outcome: e.monitor.Run(c.ctx, v.(Attempt))})
}

func (e *Engine) coordinator(runID string) *runCoordinator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[runID]
}

func (e *Engine) launch(c *runCoordinator) {
	e.mu.Lock()
	e.runs[c.runID] = c
	e.wg.Add(1)
	e.mu.Unlock()
	telemetry.ActiveRuns.Inc()
	go func() {
		defer e.wg.Done()
		c.loop()
	}()
}

func (e *Engine) unregister(c *runCoordinator) {
	e.mu.Lock()
	delete(e.runs, c.runID)
	e.mu.Unlock()
	telemetry.ActiveRuns.Dec()
}

// ActiveRuns returns the ids of runs coordinated by this engine.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// StartRun validates def and starts a run of it. An invalid definition is
// rejected before anything is recorded.
func (e *Engine) StartRun(ctx context.Context, def models.WorkflowDefinition, opts ...RunOption) (models.Run, error) {
	if !e.Ready() {
		return models.Run{}, ErrEngineNotRunning
	}
	def = NormalizeDefinition(def)
	g, err := dag.Compile(def, e.registry)
	if err != nil {
		e.logger.Errorf("Refusing to run workflow %s: %v", def.Name, err)
		return models.Run{}, err
	}

	run := models.Run{
		ID:              uuid.NewString(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          models.PendingRunStatus,
		Trigger:         models.ManualRunTrigger,
		CreatedAt:       e.now(),
	}
	for _, opt := range opts {
		opt(&run)
	}
	if err := e.tasks.SaveRun(ctx, run); err != nil {
		return models.Run{}, err
	}
	e.launch(newRunCoordinator(e, run, g))
	e.logger.Infof("Started run %s of %s (trigger %s)", run.ID, describeDefinition(def), run.Trigger)
	return run, nil
}

// ExecuteWorkflow starts a run of the current version of an active workflow.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name string, opts ...RunOption) (models.Run, error) {
	def, err := e.workflows.GetWorkflow(ctx, name)
	if err != nil {
		return models.Run{}, err
	}
	if !def.Active {
		return models.Run{}, errors.Wrapf(ErrWorkflowInactive, "workflow %s", name)
	}
	return e.StartRun(ctx, def, opts...)
}

// Backfill starts one run per logical date in [start, end]: the cron fire
// times of the workflow's schedule, or one per day when it has none.
func (e *Engine) Backfill(ctx context.Context, name string, start, end time.Time) ([]models.Run, error) {
	if end.Before(start) {
		return nil, &models.ValidationError{Field: "range", Msg: "end is before start"}
	}
	def, err := e.workflows.GetWorkflow(ctx, name)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, errors.Wrapf(ErrWorkflowInactive, "workflow %s", name)
	}

	var dates []time.Time
	if def.Schedule != "" {
		if dates, err = NextFireTimes(def.Schedule, start, end, e.maxBackfillRuns); err != nil {
			return nil, err
		}
	} else {
		for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
			if e.maxBackfillRuns > 0 && len(dates) == e.maxBackfillRuns {
				return nil, &models.ValidationError{Field: "range", Msg: fmt.Sprintf("more than %d logical dates", e.maxBackfillRuns)}
			}
			dates = append(dates, t)
		}
	}

	runs := make([]models.Run, 0, len(dates))
	for _, d := range dates {
		run, err := e.StartRun(ctx, def, WithTrigger(models.BackfillRunTrigger), WithLogicalDate(d))
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	e.logger.Infof("Backfilled %d runs of workflow %s", len(runs), name)
	return runs, nil
}

// CancelRun requests cancellation. Queued attempts and pending retries are
// closed at once; running attempts see their context cancelled.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	c := e.coordinator(runID)
	if c == nil {
		run, err := e.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return &models.InvalidTransitionError{Entity: "run " + runID, From: string(run.Status), To: string(models.CancelledRunStatus)}
		}
		return errors.Wrapf(ErrRunNotActive, "run %s", runID)
	}
	c.cancel()
	c.box.post(cancelRequest{reason: runCancelledReason})
	e.logger.Infof("Cancellation of run %s requested", runID)
	return nil
}

// WaitRun blocks until the run is terminal or ctx is done.
func (e *Engine) WaitRun(ctx context.Context, runID string) (models.Run, error) {
	if c := e.coordinator(runID); c != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return models.Run{}, ctx.Err()
		}
	}
	return e.GetRun(ctx, runID)
}

func (e *Engine) GetRun(ctx context.Context, runID string) (models.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "failed to get run %s", runID)
	}
	return run, nil
}

// RunHistory lists runs of a workflow, newest first. An empty name lists all.
func (e *Engine) RunHistory(ctx context.Context, name string, limit int) ([]models.Run, error) {
	runs, err := e.store.ListRuns(ctx, name, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs of %s", name)
	}
	return runs, nil
}

// TaskExecutions lists every attempt of a run.
func (e *Engine) TaskExecutions(ctx context.Context, runID string) ([]models.TaskExecution, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.tasks.Attempts(ctx, runID)
}

func (e *Engine) ExecutionLogs(ctx context.Context, runID string) ([]models.ExecutionLog, error) {
	logs, err := e.store.ListExecutionLogs(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list logs of run %s", runID)
	}
	return logs, nil
}

// QueueSize returns the number of attempts waiting for a worker.
func (e *Engine) QueueSize() int { return e.queue.Size() }

func (e *Engine) PoolSize() int { return e.pool.Size() }

// SetPoolSize resizes the worker pool without interrupting running attempts.
func (e *Engine) SetPoolSize(n int) error { return e.pool.SetSize(n) }

// Rollback compensates a finished FAILED run on demand.
func (e *Engine) Rollback(ctx context.Context, runID string, depth int) (RollbackResult, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return RollbackResult{}, err
	}
	if run.Status != models.FailedRunStatus {
		return RollbackResult{}, &models.ValidationError{Field: "run", Msg: fmt.Sprintf("run %s is %s, only FAILED runs roll back", runID, run.Status)}
	}
	return e.rollback.Rollback(ctx, run, depth)
}

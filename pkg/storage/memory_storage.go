package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/pkg/errors"
)

type workflowRecord struct {
	active   bool
	enabled  bool
	current  int
	versions []models.WorkflowDefinition
}

// memoryStore implements Store in process memory. Writes are applied
// immediately, so Begin returns the store itself and Commit and Rollback are
// no-ops.
type memoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*workflowRecord
	runs       map[string]models.Run
	runOrder   []string
	executions map[string]models.TaskExecution
	execOrder  map[string][]string // run id -> execution ids in insertion order
	logs       map[string][]models.ExecutionLog
	nextLogID  int64
}

// NewMemoryStore returns an empty concurrency-safe in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		workflows:  make(map[string]*workflowRecord),
		runs:       make(map[string]models.Run),
		executions: make(map[string]models.TaskExecution),
		execOrder:  make(map[string][]string),
		logs:       make(map[string][]models.ExecutionLog),
	}
}

func (m *memoryStore) Begin() (Store, error) { return m, nil }
func (m *memoryStore) Commit() error         { return nil }
func (m *memoryStore) Rollback() error       { return nil }
func (m *memoryStore) Close() error          { return nil }

func (m *memoryStore) CreateDefinition(_ context.Context, def models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[def.Name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "workflow %q", def.Name)
	}
	m.workflows[def.Name] = &workflowRecord{
		active:   def.Active,
		enabled:  def.Enabled,
		current:  def.Version,
		versions: []models.WorkflowDefinition{def.Clone()},
	}
	return nil
}

func (m *memoryStore) AppendDefinitionVersion(_ context.Context, def models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workflows[def.Name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow %q", def.Name)
	}
	for _, v := range rec.versions {
		if v.Version == def.Version {
			return errors.Wrapf(ErrAlreadyExists, "workflow %q version %d", def.Name, def.Version)
		}
	}
	rec.versions = append(rec.versions, def.Clone())
	rec.current = def.Version
	return nil
}

func (m *memoryStore) GetDefinition(ctx context.Context, name string) (models.WorkflowDefinition, error) {
	m.mu.RLock()
	rec, ok := m.workflows[name]
	var current int
	if ok {
		current = rec.current
	}
	m.mu.RUnlock()
	if !ok {
		return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "workflow %q", name)
	}
	return m.GetDefinitionVersion(ctx, name, current)
}

func (m *memoryStore) GetDefinitionVersion(_ context.Context, name string, version int) (models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[name]
	if !ok {
		return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "workflow %q", name)
	}
	for _, v := range rec.versions {
		if v.Version == version {
			return rec.withFlags(v), nil
		}
	}
	return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "workflow %q version %d", name, version)
}

func (r *workflowRecord) withFlags(def models.WorkflowDefinition) models.WorkflowDefinition {
	out := def.Clone()
	out.Active = r.active
	out.Enabled = r.enabled
	return out
}

func (m *memoryStore) ListDefinitions(_ context.Context) ([]models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WorkflowDefinition, 0, len(m.workflows))
	for _, rec := range m.workflows {
		for _, v := range rec.versions {
			if v.Version == rec.current {
				out = append(out, rec.withFlags(v))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) ListDefinitionVersions(_ context.Context, name string) ([]models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "workflow %q", name)
	}
	out := make([]models.WorkflowDefinition, 0, len(rec.versions))
	for _, v := range rec.versions {
		out = append(out, rec.withFlags(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *memoryStore) SetDefinitionFlags(_ context.Context, name string, active, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workflows[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow %q", name)
	}
	rec.active = active
	rec.enabled = enabled
	return nil
}

func (m *memoryStore) DeleteDefinition(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[name]; !ok {
		return errors.Wrapf(ErrNotFound, "workflow %q", name)
	}
	delete(m.workflows, name)
	return nil
}

func (m *memoryStore) SaveRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "run %s", run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *memoryStore) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return cloneRun(run), nil
}

func (m *memoryStore) UpdateRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	if err := models.ValidateRunTransition(stored.Status, run.Status); err != nil {
		return errors.Wrapf(err, "run %s", run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *memoryStore) ListRuns(_ context.Context, workflowName string, limit int) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if workflowName != "" && run.WorkflowName != workflowName {
			continue
		}
		out = append(out, cloneRun(run))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) ListRunsByStatus(_ context.Context, statuses ...models.RunStatus) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.Run
	for _, id := range m.runOrder {
		if run := m.runs[id]; want[run.Status] {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

func (m *memoryStore) CountRuns(_ context.Context, workflowName string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, run := range m.runs {
		if run.WorkflowName == workflowName {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) SaveTaskExecution(_ context.Context, exec models.TaskExecution) error {
	if err := models.ValidateInitialTaskStatus(exec.Status); err != nil {
		return errors.Wrapf(err, "task execution %s", exec.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[exec.RunID]; !ok {
		return errors.Wrapf(ErrNotFound, "run %s", exec.RunID)
	}
	if _, ok := m.executions[exec.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "task execution %s", exec.ID)
	}
	for _, id := range m.execOrder[exec.RunID] {
		other := m.executions[id]
		if other.TaskID == exec.TaskID && other.Attempt >= exec.Attempt {
			return errors.Wrapf(ErrAlreadyExists, "task %s attempt %d in run %s", exec.TaskID, exec.Attempt, exec.RunID)
		}
	}
	m.executions[exec.ID] = cloneExecution(exec)
	m.execOrder[exec.RunID] = append(m.execOrder[exec.RunID], exec.ID)
	return nil
}

func (m *memoryStore) UpdateTaskExecution(_ context.Context, exec models.TaskExecution, from models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[exec.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task execution %s", exec.ID)
	}
	if stored.Status != from {
		err := &models.InvalidTransitionError{Entity: "task execution", From: string(stored.Status), To: string(exec.Status)}
		return errors.Wrapf(err, "task execution %s is no longer %s", exec.ID, from)
	}
	if err := models.ValidateTaskTransition(from, exec.Status); err != nil {
		return errors.Wrapf(err, "task execution %s", exec.ID)
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *memoryStore) GetTaskExecution(_ context.Context, id string) (models.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return models.TaskExecution{}, errors.Wrapf(ErrNotFound, "task execution %s", id)
	}
	return cloneExecution(exec), nil
}

func (m *memoryStore) ListTaskExecutions(_ context.Context, runID string) ([]models.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.execOrder[runID]
	out := make([]models.TaskExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneExecution(m.executions[id]))
	}
	return out, nil
}

func (m *memoryStore) SaveExecutionLog(_ context.Context, entry models.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	entry.ID = m.nextLogID
	m.logs[entry.RunID] = append(m.logs[entry.RunID], entry)
	return nil
}

func (m *memoryStore) ListExecutionLogs(_ context.Context, runID string) ([]models.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ExecutionLog(nil), m.logs[runID]...), nil
}

func cloneRun(r models.Run) models.Run {
	r.Warnings = append([]string(nil), r.Warnings...)
	return r
}

func cloneExecution(e models.TaskExecution) models.TaskExecution {
	e.Output = append(json.RawMessage(nil), e.Output...)
	return e
}

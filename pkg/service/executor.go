package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ignatij/dagflow/pkg/models"
)

// ExecutionRequest carries everything an executor needs to run one attempt.
type ExecutionRequest struct {
	RunID        string
	WorkflowName string
	TaskID       string
	Attempt      int
	Type         models.TaskType
	Config       json.RawMessage
	// Upstream holds the outputs of direct upstream tasks that succeeded.
	Upstream map[string]json.RawMessage
}

// Executor runs the work behind one task type. Execute must return promptly
// once ctx is done; ctx carries run cancellation and the hard task timeout.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// CompensationRequest describes the undo of a task that succeeded in a failed run.
type CompensationRequest struct {
	RunID        string
	WorkflowName string
	TaskID       string
	Type         models.TaskType
	Config       json.RawMessage
	Compensation json.RawMessage
	Output       json.RawMessage
}

// Compensator is implemented by executors able to undo their own work.
type Compensator interface {
	Compensate(ctx context.Context, req CompensationRequest) error
}

// Registry maps task types to executors. It is safe for concurrent use and
// doubles as the set of types the validator accepts.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.TaskType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.TaskType]Executor)}
}

// Register binds e to t, replacing any previous executor.
func (r *Registry) Register(t models.TaskType, e Executor) error {
	parsed, ok := models.ParseTaskType(string(t))
	if !ok {
		return &models.ValidationError{Field: "type", Msg: fmt.Sprintf("unknown task type %q", t)}
	}
	if e == nil {
		return &models.ValidationError{Field: "executor", Msg: fmt.Sprintf("nil executor for %s", parsed)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[parsed] = e
	return nil
}

// MustRegister is Register for wiring code that cannot continue on error.
func (r *Registry) MustRegister(t models.TaskType, e Executor) {
	if err := r.Register(t, e); err != nil {
		panic(err)
	}
}

// Get returns the executor bound to t.
func (r *Registry) Get(t models.TaskType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, &models.UnknownTaskTypeError{Type: t}
	}
	return e, nil
}

// Supports reports whether an executor is bound to t.
func (r *Registry) Supports(t models.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// Types lists the registered task types in name order.
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TaskType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

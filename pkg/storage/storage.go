package storage

import (
	"context"
	"errors"

	"github.com/ignatij/dagflow/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned when an update would move a run or an
	// attempt out of a status that does not allow it, e.g. out of a terminal one.
	ErrInvalidTransition = models.ErrInvalidTransition
)

// Store defines the persistence operations for dagflow. Implementations must
// give read-after-write consistency and reject state transitions that the
// run and attempt lifecycles do not permit.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Definition operations. Flags (active, enabled) belong to the workflow,
	// the rest of a definition belongs to a version.
	CreateDefinition(ctx context.Context, def models.WorkflowDefinition) error
	AppendDefinitionVersion(ctx context.Context, def models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, name string) (models.WorkflowDefinition, error)
	GetDefinitionVersion(ctx context.Context, name string, version int) (models.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]models.WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, name string) ([]models.WorkflowDefinition, error)
	SetDefinitionFlags(ctx context.Context, name string, active, enabled bool) error
	DeleteDefinition(ctx context.Context, name string) error

	// Run operations
	SaveRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	UpdateRun(ctx context.Context, run models.Run) error
	ListRuns(ctx context.Context, workflowName string, limit int) ([]models.Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]models.Run, error)
	CountRuns(ctx context.Context, workflowName string) (int, error)

	// Task execution operations
	SaveTaskExecution(ctx context.Context, exec models.TaskExecution) error
	// UpdateTaskExecution writes exec only while the stored status is still
	// from, and only if the lifecycle permits from -> exec.Status.
	UpdateTaskExecution(ctx context.Context, exec models.TaskExecution, from models.TaskStatus) error
	GetTaskExecution(ctx context.Context, id string) (models.TaskExecution, error)
	ListTaskExecutions(ctx context.Context, runID string) ([]models.TaskExecution, error)

	// Execution log operations
	SaveExecutionLog(ctx context.Context, entry models.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, runID string) ([]models.ExecutionLog, error)
}

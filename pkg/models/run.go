package models

import (
	"time"

	"github.com/qmuntal/stateless"
)

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	SuccessRunStatus   RunStatus = "SUCCESS"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == SuccessRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

type RunTrigger string

const (
	ManualRunTrigger      RunTrigger = "MANUAL"
	APIRunTrigger         RunTrigger = "API"
	ScheduleRunTrigger    RunTrigger = "SCHEDULE"
	BackfillRunTrigger    RunTrigger = "BACKFILL"
	SubWorkflowRunTrigger RunTrigger = "SUB_WORKFLOW"
)

type RollbackStatus string

const (
	NoRollbackStatus        RollbackStatus = ""
	CompletedRollbackStatus RollbackStatus = "COMPLETED"
	PartialRollbackStatus   RollbackStatus = "PARTIAL"
)

// Run is one invocation of a specific workflow version.
type Run struct {
	ID              string         `json:"id" db:"id"`                                     // UUID
	WorkflowName    string         `json:"workflow_name" db:"workflow_name"`               // Definition name
	WorkflowVersion int            `json:"workflow_version" db:"workflow_version"`         // Definition version pinned at start
	Status          RunStatus      `json:"status" db:"status"`                             // PENDING, RUNNING, SUCCESS, FAILED, CANCELLED
	Trigger         RunTrigger     `json:"trigger" db:"trigger_type"`                      // What created the run
	LogicalDate     *time.Time     `json:"logical_date,omitempty" db:"logical_date"`       // Schedule or backfill slot
	ParentRunID     string         `json:"parent_run_id,omitempty" db:"parent_run_id"`     // Set for sub-workflow runs
	FailedTaskID    string         `json:"failed_task_id,omitempty" db:"failed_task_id"`   // First required task that failed
	Error           string         `json:"error,omitempty" db:"error"`                     // Last error of the failed task
	RollbackStatus  RollbackStatus `json:"rollback_status,omitempty" db:"rollback_status"` // Outcome of compensation
	Warnings        []string       `json:"warnings,omitempty" db:"-"`                      // Rollback failures and other non-fatal issues
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`                     // Creation timestamp
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`           // Nullable start time
	FinishedAt      *time.Time     `json:"finished_at,omitempty" db:"finished_at"`         // Nullable end time
}

func runLifecycle(from RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(PendingRunStatus).
		Permit(RunningRunStatus, RunningRunStatus).
		Permit(FailedRunStatus, FailedRunStatus).
		Permit(CancelledRunStatus, CancelledRunStatus)
	sm.Configure(RunningRunStatus).
		PermitReentry(RunningRunStatus).
		Permit(SuccessRunStatus, SuccessRunStatus).
		Permit(FailedRunStatus, FailedRunStatus).
		Permit(CancelledRunStatus, CancelledRunStatus)
	return sm
}

// ValidateRunTransition rejects any move the run lifecycle does not permit,
// including every move out of a terminal status.
func ValidateRunTransition(from, to RunStatus) error {
	if from == to && from == PendingRunStatus {
		return nil
	}
	if err := runLifecycle(from).Fire(to); err != nil {
		return &InvalidTransitionError{Entity: "run", From: string(from), To: string(to)}
	}
	return nil
}

// RunTransitionSources lists every status that may move to s.
func RunTransitionSources(s RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{PendingRunStatus, RunningRunStatus} {
		if ValidateRunTransition(from, s) == nil {
			out = append(out, from)
		}
	}
	return out
}

package models

import (
	"encoding/json"
	"time"

	"github.com/qmuntal/stateless"
)

type TaskStatus string

const (
	QueuedTaskStatus         TaskStatus = "QUEUED"
	RunningTaskStatus        TaskStatus = "RUNNING"
	SuccessTaskStatus        TaskStatus = "SUCCESS"
	FailedTaskStatus         TaskStatus = "FAILED"
	RetryScheduledTaskStatus TaskStatus = "RETRY_SCHEDULED"
	SkippedTaskStatus        TaskStatus = "SKIPPED"
	CancelledTaskStatus      TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the logical task is finished. A RETRY_SCHEDULED
// attempt is closed but its task is not.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case SuccessTaskStatus, FailedTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

// IsFinal reports whether an attempt record with this status is immutable.
func (s TaskStatus) IsFinal() bool {
	return s.IsTerminal() || s == RetryScheduledTaskStatus
}

// TaskExecution is one attempt of one task within a run. Retries append a new
// record with the next attempt number.
type TaskExecution struct {
	ID            string          `json:"id" db:"id"`                                     // UUID
	RunID         string          `json:"run_id" db:"run_id"`                             // Owning run
	TaskID        string          `json:"task_id" db:"task_id"`                           // Task definition id
	Attempt       int             `json:"attempt" db:"attempt"`                           // 1-based, strictly increasing per task
	Status        TaskStatus      `json:"status" db:"status"`                             // Attempt state
	Priority      int             `json:"priority" db:"priority"`                         // Copied from the task definition
	Output        json.RawMessage `json:"output,omitempty" db:"output"`                   // Reported by the executor
	Error         string          `json:"error,omitempty" db:"error"`                     // Error detail on failure
	SLABreached   bool            `json:"sla_breached" db:"sla_breached"`                 // Attempt ran past its SLA
	QueuedAt      time.Time       `json:"queued_at" db:"queued_at"`                       // Creation timestamp
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`           // Nullable start time
	FinishedAt    *time.Time      `json:"finished_at,omitempty" db:"finished_at"`         // Nullable end time
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"` // Set when RETRY_SCHEDULED
}

func taskLifecycle(from TaskStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(QueuedTaskStatus).
		Permit(RunningTaskStatus, RunningTaskStatus).
		Permit(CancelledTaskStatus, CancelledTaskStatus)
	sm.Configure(RunningTaskStatus).
		Permit(SuccessTaskStatus, SuccessTaskStatus).
		Permit(FailedTaskStatus, FailedTaskStatus).
		Permit(RetryScheduledTaskStatus, RetryScheduledTaskStatus).
		Permit(CancelledTaskStatus, CancelledTaskStatus)
	return sm
}

// ValidateTaskTransition rejects any move the attempt lifecycle does not
// permit. Final statuses have no outgoing transitions.
func ValidateTaskTransition(from, to TaskStatus) error {
	if err := taskLifecycle(from).Fire(to); err != nil {
		return &InvalidTransitionError{Entity: "task execution", From: string(from), To: string(to)}
	}
	return nil
}

// ValidateInitialTaskStatus checks the status a new attempt record starts in.
// Tasks that are skipped or cancelled before they run never pass through QUEUED.
func ValidateInitialTaskStatus(s TaskStatus) error {
	switch s {
	case QueuedTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return nil
	}
	return &InvalidTransitionError{Entity: "task execution", From: "", To: string(s)}
}

package models

import "time"

type EventType string

const (
	SLABreachEvent         EventType = "SLA_BREACH"
	RetryExhaustedEvent    EventType = "RETRY_EXHAUSTED"
	RunTerminalEvent       EventType = "RUN_TERMINAL"
	RollbackCompletedEvent EventType = "ROLLBACK_COMPLETED"
)

// Event is emitted to notifiers on notable run and task transitions.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	RunID        string            `json:"run_id"`
	WorkflowName string            `json:"workflow_name"`
	TaskID       string            `json:"task_id,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	Status       string            `json:"status,omitempty"`
	Message      string            `json:"message,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

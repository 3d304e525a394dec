package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// TaskType selects the executor for a task.
type TaskType string

const (
	JobTaskType         TaskType = "JOB"
	SyncTaskType        TaskType = "SYNC"
	APICallTaskType     TaskType = "API_CALL"
	ScriptTaskType      TaskType = "SCRIPT"
	SubWorkflowTaskType TaskType = "SUB_WORKFLOW"
)

// TaskTypes lists every known task type.
var TaskTypes = []TaskType{JobTaskType, SyncTaskType, APICallTaskType, ScriptTaskType, SubWorkflowTaskType}

// ParseTaskType normalises s ("api-call", "api_call", "API_CALL") to a TaskType.
func ParseTaskType(s string) (TaskType, bool) {
	norm := TaskType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, t := range TaskTypes {
		if t == norm {
			return t, true
		}
	}
	return norm, false
}

// TaskDefinition describes one node of a workflow graph.
type TaskDefinition struct {
	ID           string          `json:"id"`                     // Unique within the definition
	Name         string          `json:"name,omitempty"`         // Display name
	Type         TaskType        `json:"type"`                   // Executor selector
	Config       json.RawMessage `json:"config,omitempty"`       // Opaque to the engine
	Priority     int             `json:"priority,omitempty"`     // Higher runs first
	Retry        RetryPolicy     `json:"retry,omitempty"`        // Re-attempt policy
	SLA          *SLAConfig      `json:"sla,omitempty"`          // Execution time threshold
	Compensation *Compensation   `json:"compensation,omitempty"` // Used by rollback
}

func (t TaskDefinition) clone() TaskDefinition {
	out := t
	out.Config = append(json.RawMessage(nil), t.Config...)
	if t.SLA != nil {
		sla := *t.SLA
		out.SLA = &sla
	}
	if t.Compensation != nil {
		c := Compensation{Config: append(json.RawMessage(nil), t.Compensation.Config...)}
		out.Compensation = &c
	}
	return out
}

// RetryPolicy governs re-attempts of one task within a run.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// ShouldRetry reports whether a failed attempt gets another try.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxRetries
}

// Delay returns retryDelay * multiplier^(attempt-1). A multiplier of zero
// means a constant delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.RetryDelaySeconds <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult == 0 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	secs := p.RetryDelaySeconds * math.Pow(mult, float64(attempt-1))
	return time.Duration(secs * float64(time.Second))
}

// SLAConfig bounds the wall time of one attempt.
type SLAConfig struct {
	MaxExecutionSeconds float64 `json:"max_execution_seconds"`
	AlertOnBreach       bool    `json:"alert_on_breach"`
	FailOnBreach        bool    `json:"fail_on_breach,omitempty"` // Cancel the attempt and treat it as failed
}

// Threshold returns the SLA as a duration.
func (s SLAConfig) Threshold() time.Duration {
	return time.Duration(s.MaxExecutionSeconds * float64(time.Second))
}

// Compensation references the undo action for a task. The executor of the
// task's type interprets Config.
type Compensation struct {
	Config json.RawMessage `json:"config,omitempty"`
}

package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidGraph      = errors.New("invalid graph")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrValidation        = errors.New("validation failed")
	// ErrRunCancelled marks work abandoned because its run was cancelled. It
	// is an outcome, not a failure.
	ErrRunCancelled = errors.New("run cancelled")
)

// InvalidGraphError reports a structural problem with a workflow graph. Cycle
// holds the witness path when the problem is a cycle.
type InvalidGraphError struct {
	Cycle  []string
	Reason string
}

func (e *InvalidGraphError) Error() string {
	if len(e.Cycle) > 0 {
		return "invalid graph: cycle detected: " + strings.Join(e.Cycle, " -> ")
	}
	return "invalid graph: " + e.Reason
}

func (e *InvalidGraphError) Unwrap() error { return ErrInvalidGraph }

// DanglingReferenceError is returned for an edge naming a task that does not exist.
type DanglingReferenceError struct {
	Upstream   string
	Downstream string
	Missing    string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference: edge %s -> %s references unknown task %q", e.Upstream, e.Downstream, e.Missing)
}

type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task: %q", e.TaskID)
}

// UnknownTaskTypeError is returned when no executor is registered for a type.
type UnknownTaskTypeError struct {
	TaskID string
	Type   TaskType
}

func (e *UnknownTaskTypeError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("unknown task type %q", e.Type)
	}
	return fmt.Sprintf("task %q: unknown task type %q", e.TaskID, e.Type)
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s cannot start in %s", e.Entity, e.To)
	}
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// TaskExecutionFailedError wraps an executor error for one attempt.
type TaskExecutionFailedError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *TaskExecutionFailedError) Error() string {
	return fmt.Sprintf("task %q attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *TaskExecutionFailedError) Unwrap() error { return e.Err }

type RetriesExhaustedError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

type SLABreachError struct {
	TaskID    string
	Attempt   int
	Threshold time.Duration
}

func (e *SLABreachError) Error() string {
	return fmt.Sprintf("task %q attempt %d exceeded SLA of %s", e.TaskID, e.Attempt, e.Threshold)
}

// RollbackPartialError lists compensations that failed, keyed by task id.
type RollbackPartialError struct {
	Failures map[string]string
}

func (e *RollbackPartialError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+": "+e.Failures[id])
	}
	return "rollback partial: " + strings.Join(parts, "; ")
}

// IsDefinitionError reports whether err rejects a workflow definition.
func IsDefinitionError(err error) bool {
	var (
		dangling *DanglingReferenceError
		dup      *DuplicateTaskError
		unknown  *UnknownTaskTypeError
	)
	return errors.Is(err, ErrInvalidGraph) || errors.Is(err, ErrValidation) ||
		errors.As(err, &dangling) || errors.As(err, &dup) || errors.As(err, &unknown)
}

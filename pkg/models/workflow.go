package models

import "time"

// WorkflowDefinition is one version of a workflow: its tasks, the dependency
// edges between them, and the policies that govern a run.
type WorkflowDefinition struct {
	Name         string           `json:"name" db:"name"`                         // Unique workflow name
	Version      int              `json:"version" db:"version"`                   // Assigned by the store, starts at 1
	Description  string           `json:"description,omitempty" db:"description"` // Free text
	Tasks        []TaskDefinition `json:"tasks"`                                  // Ordered task set
	Dependencies []Dependency     `json:"dependencies,omitempty"`                 // Directed edges
	Active       bool             `json:"active" db:"active"`                     // Inactive workflows accept no runs
	Enabled      bool             `json:"enabled" db:"enabled"`                   // Disabled workflows are skipped by the scheduler
	Schedule     string           `json:"schedule,omitempty" db:"schedule"`       // Standard 5-field cron expression
	Rollback     *RollbackConfig  `json:"rollback,omitempty"`                     // Compensation on failure
	FailFast     bool             `json:"fail_fast,omitempty"`                    // Stop scheduling after the first required failure
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`             // When this version was written
}

// RollbackConfig bounds compensation to Depth hops upstream of the failed task.
type RollbackConfig struct {
	Depth int `json:"depth"`
}

// Task returns the task with the given id.
func (d WorkflowDefinition) Task(id string) (TaskDefinition, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskDefinition{}, false
}

// Clone returns a deep copy so callers can mutate the result freely.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.Tasks = make([]TaskDefinition, len(d.Tasks))
	for i, t := range d.Tasks {
		out.Tasks[i] = t.clone()
	}
	out.Dependencies = append([]Dependency(nil), d.Dependencies...)
	if d.Rollback != nil {
		rb := *d.Rollback
		out.Rollback = &rb
	}
	return out
}

package dag

import (
	"fmt"

	"github.com/ignatij/dagflow/pkg/models"
)

// TypeSet reports which task types have an executor.
type TypeSet interface {
	Supports(t models.TaskType) bool
}

// Validate checks a definition before it is saved or run. types may be nil to
// skip the executor check. It has no side effects.
func Validate(def models.WorkflowDefinition, types TypeSet) error {
	_, err := Compile(def, types)
	return err
}

// Compile validates def and returns its graph.
func Compile(def models.WorkflowDefinition, types TypeSet) (*Graph, error) {
	if def.Name == "" {
		return nil, &models.ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if len(def.Tasks) == 0 {
		return nil, &models.ValidationError{Field: "tasks", Msg: "workflow has no tasks"}
	}
	g, err := Build(def)
	if err != nil {
		return nil, err
	}
	for _, t := range g.tasks {
		if err := validateTask(t, types); err != nil {
			return nil, err
		}
	}
	if rb := def.Rollback; rb != nil {
		if rb.Depth < 0 {
			return nil, &models.ValidationError{Field: "rollback.depth", Msg: "must not be negative"}
		}
		if longest := g.LongestPath(); rb.Depth > longest {
			return nil, &models.ValidationError{
				Field: "rollback.depth",
				Msg:   fmt.Sprintf("%d exceeds the longest path of %d", rb.Depth, longest),
			}
		}
	}
	return g, nil
}

func validateTask(t models.TaskDefinition, types TypeSet) error {
	field := func(name string) string { return fmt.Sprintf("tasks[%s].%s", t.ID, name) }

	tt, ok := models.ParseTaskType(string(t.Type))
	if !ok {
		return &models.UnknownTaskTypeError{TaskID: t.ID, Type: t.Type}
	}
	if types != nil && !types.Supports(tt) {
		return &models.UnknownTaskTypeError{TaskID: t.ID, Type: t.Type}
	}
	r := t.Retry
	if r.MaxRetries < 0 {
		return &models.ValidationError{Field: field("retry.max_retries"), Msg: "must not be negative"}
	}
	if r.RetryDelaySeconds < 0 {
		return &models.ValidationError{Field: field("retry.retry_delay_seconds"), Msg: "must not be negative"}
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		return &models.ValidationError{Field: field("retry.backoff_multiplier"), Msg: "must be at least 1"}
	}
	if t.SLA != nil && t.SLA.MaxExecutionSeconds <= 0 {
		return &models.ValidationError{Field: field("sla.max_execution_seconds"), Msg: "must be positive"}
	}
	return nil
}

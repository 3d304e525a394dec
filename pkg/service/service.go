package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Logger defines the logging interface used across the service package.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WorkflowService manages workflow definitions and their version history.
// Every write appends a version; the latest version is the one that runs.
type WorkflowService struct {
	store  storage.Store
	types  dag.TypeSet
	logger Logger
	now    func() time.Time
}

func NewWorkflowService(store storage.Store, types dag.TypeSet, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:  store,
		types:  types,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeDefinition canonicalises task types and dependency kinds so that
// "api-call" and "API_CALL" name the same type and an empty kind means SUCCESS.
func NormalizeDefinition(def models.WorkflowDefinition) models.WorkflowDefinition {
	out := def.Clone()
	out.Name = strings.TrimSpace(out.Name)
	out.Schedule = strings.TrimSpace(out.Schedule)
	for i, t := range out.Tasks {
		if parsed, ok := models.ParseTaskType(string(t.Type)); ok {
			out.Tasks[i].Type = parsed
		}
	}
	for i, d := range out.Dependencies {
		out.Dependencies[i].Kind = d.Kind.Normalize()
	}
	return out
}

// ValidateWorkflow checks def without saving it.
func (s *WorkflowService) ValidateWorkflow(def models.WorkflowDefinition) error {
	def = NormalizeDefinition(def)
	if err := dag.Validate(def, s.types); err != nil {
		return err
	}
	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return &models.ValidationError{Field: "schedule", Msg: err.Error()}
		}
	}
	return nil
}

// CreateWorkflow saves def as version 1 of a new workflow.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	def = NormalizeDefinition(def)
	if err := s.ValidateWorkflow(def); err != nil {
		s.logger.Errorf("Rejected workflow %s: %v", def.Name, err)
		return models.WorkflowDefinition{}, err
	}
	def.Version = 1
	def.CreatedAt = s.now()

	err := withTx(s.store, s.logger, "CreateWorkflow", func(tx storage.Store) error {
		return tx.CreateDefinition(ctx, def)
	})
	if err != nil {
		s.logger.Errorf("Failed to create workflow %s: %v", def.Name, err)
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to create workflow %s", def.Name)
	}
	s.logger.Infof("Created workflow %s with %d tasks", def.Name, len(def.Tasks))
	return def, nil
}

// UpdateWorkflow appends def as the next version of an existing workflow.
// The workflow-level flags are left untouched.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	def = NormalizeDefinition(def)
	if err := s.ValidateWorkflow(def); err != nil {
		s.logger.Errorf("Rejected update of workflow %s: %v", def.Name, err)
		return models.WorkflowDefinition{}, err
	}
	return s.appendVersion(ctx, def)
}

func (s *WorkflowService) appendVersion(ctx context.Context, def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	err := withTx(s.store, s.logger, "AppendDefinitionVersion", func(tx storage.Store) error {
		current, err := tx.GetDefinition(ctx, def.Name)
		if err != nil {
			return err
		}
		def.Version = current.Version + 1
		def.Active = current.Active
		def.Enabled = current.Enabled
		def.CreatedAt = s.now()
		return tx.AppendDefinitionVersion(ctx, def)
	})
	if err != nil {
		s.logger.Errorf("Failed to update workflow %s: %v", def.Name, err)
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to update workflow %s", def.Name)
	}
	s.logger.Infof("Workflow %s is now at version %d", def.Name, def.Version)
	return def, nil
}

// GetWorkflow returns the current version of a workflow.
func (s *WorkflowService) GetWorkflow(ctx context.Context, name string) (models.WorkflowDefinition, error) {
	def, err := s.store.GetDefinition(ctx, name)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to get workflow %s", name)
	}
	return def, nil
}

func (s *WorkflowService) GetVersion(ctx context.Context, name string, version int) (models.WorkflowDefinition, error) {
	def, err := s.store.GetDefinitionVersion(ctx, name, version)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to get workflow %s version %d", name, version)
	}
	return def, nil
}

// ListWorkflows returns the current version of every workflow.
func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	return defs, nil
}

// ListVersions returns every version of a workflow, oldest first.
func (s *WorkflowService) ListVersions(ctx context.Context, name string) ([]models.WorkflowDefinition, error) {
	defs, err := s.store.ListDefinitionVersions(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list versions of workflow %s", name)
	}
	return defs, nil
}

// RestoreVersion appends a copy of an older version as the new current one.
// History is never rewritten.
func (s *WorkflowService) RestoreVersion(ctx context.Context, name string, version int) (models.WorkflowDefinition, error) {
	old, err := s.GetVersion(ctx, name, version)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	if err := s.ValidateWorkflow(old); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "version %d of workflow %s is no longer valid", version, name)
	}
	restored, err := s.appendVersion(ctx, NormalizeDefinition(old))
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	s.logger.Infof("Restored workflow %s version %d as version %d", name, version, restored.Version)
	return restored, nil
}

// Activate allows new runs of a workflow.
func (s *WorkflowService) Activate(ctx context.Context, name string) error {
	return s.setFlags(ctx, name, func(def *models.WorkflowDefinition) { def.Active = true })
}

// Deactivate rejects every new run of a workflow, manual or scheduled.
func (s *WorkflowService) Deactivate(ctx context.Context, name string) error {
	return s.setFlags(ctx, name, func(def *models.WorkflowDefinition) { def.Active = false })
}

// ToggleEnabled flips whether the scheduler triggers the workflow and
// returns the new value.
func (s *WorkflowService) ToggleEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := s.setFlags(ctx, name, func(def *models.WorkflowDefinition) {
		def.Enabled = !def.Enabled
		enabled = def.Enabled
	})
	return enabled, err
}

func (s *WorkflowService) setFlags(ctx context.Context, name string, apply func(*models.WorkflowDefinition)) error {
	err := withTx(s.store, s.logger, "SetDefinitionFlags", func(tx storage.Store) error {
		def, err := tx.GetDefinition(ctx, name)
		if err != nil {
			return err
		}
		apply(&def)
		return tx.SetDefinitionFlags(ctx, name, def.Active, def.Enabled)
	})
	if err != nil {
		s.logger.Errorf("Failed to update flags of workflow %s: %v", name, err)
		return errors.Wrapf(err, "failed to update workflow %s", name)
	}
	return nil
}

// DeleteWorkflow removes a workflow that has never run. A workflow with run
// history is deactivated and disabled instead so the history stays
// resolvable; deleted reports which of the two happened.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, name string) (deleted bool, err error) {
	err = withTx(s.store, s.logger, "DeleteWorkflow", func(tx storage.Store) error {
		if _, err := tx.GetDefinition(ctx, name); err != nil {
			return err
		}
		n, err := tx.CountRuns(ctx, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return tx.SetDefinitionFlags(ctx, name, false, false)
		}
		deleted = true
		return tx.DeleteDefinition(ctx, name)
	})
	if err != nil {
		s.logger.Errorf("Failed to delete workflow %s: %v", name, err)
		return false, errors.Wrapf(err, "failed to delete workflow %s", name)
	}
	if deleted {
		s.logger.Infof("Deleted workflow %s", name)
	} else {
		s.logger.Infof("Workflow %s has runs; deactivated instead of deleting", name)
	}
	return deleted, nil
}

// NextFireTimes lists the cron fire times of expr in [start, end]. It fails
// once more than limit times would be produced; limit <= 0 means no limit.
func NextFireTimes(expr string, start, end time.Time, limit int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, &models.ValidationError{Field: "schedule", Msg: err.Error()}
	}
	var out []time.Time
	for t := sched.Next(start.Add(-time.Second)); !t.IsZero() && !t.After(end); t = sched.Next(t) {
		if t.Before(start) {
			continue
		}
		if limit > 0 && len(out) == limit {
			return nil, &models.ValidationError{Field: "range", Msg: fmt.Sprintf("more than %d fire times", limit)}
		}
		out = append(out, t)
	}
	return out, nil
}

func describeDefinition(def models.WorkflowDefinition) string {
	return fmt.Sprintf("%s@v%d", def.Name, def.Version)
}

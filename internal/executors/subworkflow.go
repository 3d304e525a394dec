package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
)

// Runner is the part of the engine a sub-workflow needs.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, name string, opts ...service.RunOption) (models.Run, error)
	WaitRun(ctx context.Context, runID string) (models.Run, error)
	CancelRun(ctx context.Context, runID string) error
}

type subWorkflowConfig struct {
	Workflow string `json:"workflow"`
}

// SubWorkflowExecutor starts a child run of another workflow and waits for
// it. The attempt fails unless the child ends SUCCESS. The child needs
// workers of its own, so the pool must have at least two.
type SubWorkflowExecutor struct {
	runner Runner
}

func NewSubWorkflowExecutor(runner Runner) *SubWorkflowExecutor {
	return &SubWorkflowExecutor{runner: runner}
}

func (s *SubWorkflowExecutor) Execute(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
	var cfg subWorkflowConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Workflow == "" {
		return nil, &models.ValidationError{Field: "config.workflow", Msg: "must not be empty"}
	}
	if cfg.Workflow == req.WorkflowName {
		return nil, &models.ValidationError{Field: "config.workflow", Msg: "a workflow cannot run itself"}
	}

	child, err := s.runner.ExecuteWorkflow(ctx, cfg.Workflow,
		service.WithParentRun(req.RunID),
		service.WithTrigger(models.SubWorkflowRunTrigger))
	if err != nil {
		return nil, fmt.Errorf("start sub-workflow %s: %w", cfg.Workflow, err)
	}

	done, err := s.runner.WaitRun(ctx, child.ID)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := s.runner.CancelRun(context.WithoutCancel(ctx), child.ID); cerr != nil && !errors.Is(cerr, models.ErrInvalidTransition) {
				return nil, fmt.Errorf("cancel sub-workflow run %s: %w", child.ID, cerr)
			}
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("wait for sub-workflow run %s: %w", child.ID, err)
	}
	if done.Status != models.SuccessRunStatus {
		msg := fmt.Sprintf("sub-workflow run %s of %s ended %s", done.ID, cfg.Workflow, done.Status)
		if done.Error != "" {
			msg += ": " + done.Error
		}
		return nil, errors.New(msg)
	}
	return json.Marshal(map[string]string{
		"run_id":   done.ID,
		"workflow": cfg.Workflow,
		"status":   string(done.Status),
	})
}

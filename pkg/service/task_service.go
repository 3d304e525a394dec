package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService persists runs, task attempts and execution logs. Every write
// goes through its own transaction.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// withTx runs fn in a transaction, committing when fn succeeds.
func withTx(store storage.Store, logger Logger, op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	return fn(txStore)
}

func (ts *TaskService) SaveRun(ctx context.Context, run models.Run) error {
	return withTx(ts.store, ts.logger, "SaveRun", func(tx storage.Store) error {
		if err := tx.SaveRun(ctx, run); err != nil {
			ts.logger.Errorf("Failed to save run %s: %v", run.ID, err)
			return errors.Wrapf(err, "failed to save run %s", run.ID)
		}
		return nil
	})
}

func (ts *TaskService) UpdateRun(ctx context.Context, run models.Run) error {
	return withTx(ts.store, ts.logger, "UpdateRun", func(tx storage.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			ts.logger.Errorf("Failed to update run %s to %s: %v", run.ID, run.Status, err)
			return errors.Wrapf(err, "failed to update run %s", run.ID)
		}
		return nil
	})
}

// CreateAttempt records a new attempt. Only QUEUED, SKIPPED and CANCELLED
// records can be created.
func (ts *TaskService) CreateAttempt(ctx context.Context, exec models.TaskExecution) error {
	return withTx(ts.store, ts.logger, "CreateAttempt", func(tx storage.Store) error {
		if err := tx.SaveTaskExecution(ctx, exec); err != nil {
			ts.logger.Errorf("Failed to save attempt %d of task %s in run %s: %v", exec.Attempt, exec.TaskID, exec.RunID, err)
			return errors.Wrapf(err, "failed to save task %s attempt %d", exec.TaskID, exec.Attempt)
		}
		return nil
	})
}

// Transition moves an attempt from the status the caller last saw to
// exec.Status. The store rejects the write once the attempt has left from,
// which is how a worker and a cancellation racing for the same QUEUED
// attempt are told apart.
func (ts *TaskService) Transition(ctx context.Context, exec models.TaskExecution, from models.TaskStatus) error {
	return withTx(ts.store, ts.logger, "Transition", func(tx storage.Store) error {
		if err := tx.UpdateTaskExecution(ctx, exec, from); err != nil {
			return errors.Wrapf(err, "failed to move task %s attempt %d from %s to %s", exec.TaskID, exec.Attempt, from, exec.Status)
		}
		return nil
	})
}

// Log appends an execution log line. Failures are logged and swallowed: the
// log is informational and must not change the outcome of a run.
func (ts *TaskService) Log(ctx context.Context, runID, taskID string, level models.LogLevel, format string, args ...interface{}) {
	entry := models.ExecutionLog{
		RunID:    runID,
		TaskID:   taskID,
		Level:    level,
		Message:  fmt.Sprintf(format, args...),
		LoggedAt: time.Now().UTC(),
	}
	if err := ts.store.SaveExecutionLog(ctx, entry); err != nil {
		ts.logger.Errorf("Failed to save execution log for run %s: %v", runID, err)
	}
}

// LatestAttempts returns the highest attempt of each task in the run.
func (ts *TaskService) LatestAttempts(ctx context.Context, runID string) (map[string]models.TaskExecution, error) {
	execs, err := ts.store.ListTaskExecutions(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list task executions for run %s", runID)
	}
	latest := make(map[string]models.TaskExecution, len(execs))
	for _, e := range execs {
		if cur, ok := latest[e.TaskID]; !ok || e.Attempt > cur.Attempt {
			latest[e.TaskID] = e
		}
	}
	return latest, nil
}

// Attempts returns every attempt of the run ordered by task, then attempt.
func (ts *TaskService) Attempts(ctx context.Context, runID string) ([]models.TaskExecution, error) {
	execs, err := ts.store.ListTaskExecutions(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list task executions for run %s", runID)
	}
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].TaskID != execs[j].TaskID {
			return execs[i].TaskID < execs[j].TaskID
		}
		return execs[i].Attempt < execs[j].Attempt
	})
	return execs, nil
}

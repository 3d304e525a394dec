package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/stretchr/testify/require"
)

// newStoreWithInterruptedRun returns a store as a crashed process would have
// left it: extract finished, transform mid-flight and report still queued.
func newStoreWithInterruptedRun(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	transform := job("transform")
	transform.Retry = models.RetryPolicy{MaxRetries: 1}
	def := workflow("resumable", []models.TaskDefinition{job("extract"), transform, job("report")},
		dep("extract", "transform", models.SuccessDependency),
		dep("extract", "report", models.SuccessDependency))
	require.NoError(t, store.CreateDefinition(ctx, def))

	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveRun(ctx, models.Run{
		ID:              "run-1",
		WorkflowName:    "resumable",
		WorkflowVersion: 1,
		Status:          models.RunningRunStatus,
		Trigger:         models.ScheduleRunTrigger,
		CreatedAt:       started,
		StartedAt:       &started,
	}))

	advance := func(exec models.TaskExecution, to ...models.TaskStatus) {
		require.NoError(t, store.SaveTaskExecution(ctx, exec))
		for _, s := range to {
			from := exec.Status
			exec.Status = s
			if s == models.SuccessTaskStatus {
				exec.Output = json.RawMessage(`{"rows":1}`)
			}
			require.NoError(t, store.UpdateTaskExecution(ctx, exec, from))
		}
	}
	queued := func(id, task string) models.TaskExecution {
		return models.TaskExecution{ID: id, RunID: "run-1", TaskID: task, Attempt: 1, Status: models.QueuedTaskStatus, QueuedAt: started}
	}
	advance(queued("e1", "extract"), models.RunningTaskStatus, models.SuccessTaskStatus)
	advance(queued("e2", "transform"), models.RunningTaskStatus)
	advance(queued("e3", "report"))
	return store
}

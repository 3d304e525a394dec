package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statuses(execs []models.TaskExecution) []models.TaskStatus {
	out := make([]models.TaskStatus, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.Status)
	}
	return out
}

func TestEngine_DependentTaskRunsAfterUpstream(t *testing.T) {
	h := newHarness(t)
	h.exec.on("A", func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"rows":42}`), nil
	})

	run := h.run(t, workflow("ab", []models.TaskDefinition{job("A"), job("B")},
		dep("A", "B", models.SuccessDependency)))

	assert.Equal(t, models.SuccessRunStatus, run.Status)
	assert.Equal(t, models.ManualRunTrigger, run.Trigger)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)

	attempts := h.attempts(t, run.ID)
	assert.Equal(t, []models.TaskStatus{models.SuccessTaskStatus}, statuses(attempts["A"]))
	assert.Equal(t, []models.TaskStatus{models.SuccessTaskStatus}, statuses(attempts["B"]))
	assert.False(t, attempts["B"][0].StartedAt.Before(*attempts["A"][0].FinishedAt))

	h.exec.mu.Lock()
	upstream := h.exec.requests["B"].Upstream
	h.exec.mu.Unlock()
	assert.JSONEq(t, `{"rows":42}`, string(upstream["A"]))

	logs, err := h.engine.ExecutionLogs(context.Background(), run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	eventually(t, func() bool { return len(h.events.ofType(models.RunTerminalEvent)) == 1 }, "run terminal event")
	assert.Equal(t, string(models.SuccessRunStatus), h.events.ofType(models.RunTerminalEvent)[0].Status)
}

func TestEngine_RetriesExhaustedFailsRunAndSkipsDownstream(t *testing.T) {
	h := newHarness(t)
	h.exec.on("A", alwaysFail("boom"))

	a := job("A")
	a.Retry = models.RetryPolicy{MaxRetries: 2, RetryDelaySeconds: 0.01, BackoffMultiplier: 2}
	def := workflow("fails", []models.TaskDefinition{a, job("B")}, dep("A", "B", models.SuccessDependency))
	def.Rollback = &models.RollbackConfig{Depth: 1}

	run := h.run(t, def)

	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Equal(t, "A", run.FailedTaskID)
	assert.Contains(t, run.Error, "boom")
	assert.Equal(t, models.CompletedRollbackStatus, run.RollbackStatus)

	attempts := h.attempts(t, run.ID)
	require.Len(t, attempts["A"], 3, "max_retries + 1 attempts")
	assert.Equal(t, []models.TaskStatus{
		models.RetryScheduledTaskStatus, models.RetryScheduledTaskStatus, models.FailedTaskStatus,
	}, statuses(attempts["A"]))
	for i, e := range attempts["A"] {
		assert.Equal(t, i+1, e.Attempt)
	}
	assert.NotNil(t, attempts["A"][0].NextAttemptAt)

	require.Len(t, attempts["B"], 1)
	assert.Equal(t, models.SkippedTaskStatus, attempts["B"][0].Status)
	assert.Zero(t, h.exec.callCount("B"))
	assert.Equal(t, 3, h.exec.callCount("A"))

	eventually(t, func() bool { return len(h.events.ofType(models.RollbackCompletedEvent)) == 1 }, "rollback event")
	exhausted := h.events.ofType(models.RetryExhaustedEvent)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "A", exhausted[0].TaskID)
	assert.Equal(t, 3, exhausted[0].Attempt)
	assert.Empty(t, h.exec.compensations())
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.exec.on("flaky", failTimes(2))

	task := job("flaky")
	task.Retry = models.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 0.01}
	run := h.run(t, workflow("flaky", []models.TaskDefinition{task}))

	assert.Equal(t, models.SuccessRunStatus, run.Status)
	assert.Equal(t, []models.TaskStatus{
		models.RetryScheduledTaskStatus, models.RetryScheduledTaskStatus, models.SuccessTaskStatus,
	}, statuses(h.attempts(t, run.ID)["flaky"]))
	assert.Empty(t, h.events.ofType(models.RetryExhaustedEvent))
}

func TestEngine_SLABreachIsAdvisoryByDefault(t *testing.T) {
	h := newHarness(t)
	h.exec.on("slow", sleepFor(150*time.Millisecond))

	task := job("slow")
	task.SLA = &models.SLAConfig{MaxExecutionSeconds: 0.03, AlertOnBreach: true}
	run := h.run(t, workflow("sla", []models.TaskDefinition{task}))

	assert.Equal(t, models.SuccessRunStatus, run.Status)
	attempts := h.attempts(t, run.ID)["slow"]
	require.Len(t, attempts, 1)
	assert.Equal(t, models.SuccessTaskStatus, attempts[0].Status)
	assert.True(t, attempts[0].SLABreached)

	eventually(t, func() bool { return len(h.events.ofType(models.SLABreachEvent)) == 1 }, "sla breach event")
	breach := h.events.ofType(models.SLABreachEvent)[0]
	assert.Equal(t, "slow", breach.TaskID)
	assert.True(t, breach.OccurredAt.Before(*attempts[0].FinishedAt), "breach fires before the attempt finishes")
}

func TestEngine_FatalSLABreachFailsAttempt(t *testing.T) {
	h := newHarness(t)
	h.exec.on("slow", sleepFor(5*time.Second))

	task := job("slow")
	task.SLA = &models.SLAConfig{MaxExecutionSeconds: 0.03, FailOnBreach: true}
	started := time.Now()
	run := h.run(t, workflow("sla-fatal", []models.TaskDefinition{task}))

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Contains(t, run.Error, "exceeded SLA")
	attempts := h.attempts(t, run.ID)["slow"]
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].SLABreached)
	assert.Empty(t, h.events.ofType(models.SLABreachEvent), "no alert unless alert_on_breach")
}

func TestEngine_HardTimeoutFailsAttempt(t *testing.T) {
	h := newHarness(t, service.WithTaskTimeout(50*time.Millisecond))
	h.exec.on("slow", sleepFor(5*time.Second))

	run := h.run(t, workflow("timeout", []models.TaskDefinition{job("slow")}))

	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Contains(t, run.Error, "exceeded timeout")
}

func TestEngine_SkipOnFailureToleratesFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.on("A", alwaysFail("nope"))

	a := job("A")
	a.Retry = models.RetryPolicy{MaxRetries: 1}
	run := h.run(t, workflow("tolerant", []models.TaskDefinition{a, job("B")},
		dep("A", "B", models.SkipOnFailureDependency)))

	assert.Equal(t, models.SuccessRunStatus, run.Status)
	attempts := h.attempts(t, run.ID)
	assert.Equal(t, []models.TaskStatus{models.RetryScheduledTaskStatus, models.FailedTaskStatus}, statuses(attempts["A"]))
	require.Len(t, attempts["B"], 1)
	assert.Equal(t, models.SkippedTaskStatus, attempts["B"][0].Status)
	assert.Nil(t, attempts["B"][0].StartedAt, "skipped task was never queued")
	assert.Zero(t, h.exec.callCount("B"))
}

func TestEngine_CompletionEdgeRunsAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.on("work", alwaysFail("broken"))

	run := h.run(t, workflow("cleanup", []models.TaskDefinition{job("work"), job("cleanup")},
		dep("work", "cleanup", models.CompletionDependency)))

	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Equal(t, "work", run.FailedTaskID)
	assert.Equal(t, 1, h.exec.callCount("cleanup"))
}

func TestEngine_ConditionalEdges(t *testing.T) {
	h := newHarness(t)
	h.exec.on("check", func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"changed":true,"empty":false}`), nil
	})

	yes := models.Dependency{Upstream: "check", Downstream: "load", Condition: "changed"}
	no := models.Dependency{Upstream: "check", Downstream: "alert", Condition: "empty"}
	run := h.run(t, workflow("branch", []models.TaskDefinition{job("check"), job("load"), job("alert")}, yes, no))

	assert.Equal(t, models.SuccessRunStatus, run.Status)
	attempts := h.attempts(t, run.ID)
	assert.Equal(t, models.SuccessTaskStatus, attempts["load"][0].Status)
	assert.Equal(t, models.SkippedTaskStatus, attempts["alert"][0].Status)
	assert.Contains(t, attempts["alert"][0].Error, "condition")
}

func TestEngine_CancelRun(t *testing.T) {
	h := newHarness(t)
	h.exec.on("A", sleepFor(5*time.Second))

	run, err := h.engine.StartRun(context.Background(), workflow("cancel", []models.TaskDefinition{job("A"), job("B")},
		dep("A", "B", models.SuccessDependency)))
	require.NoError(t, err)
	eventually(t, func() bool { return h.exec.callCount("A") == 1 }, "A started")

	require.NoError(t, h.engine.CancelRun(context.Background(), run.ID))
	final := h.wait(t, run.ID)

	assert.Equal(t, models.CancelledRunStatus, final.Status)
	attempts := h.attempts(t, run.ID)
	assert.Equal(t, []models.TaskStatus{models.CancelledTaskStatus}, statuses(attempts["A"]))
	assert.NotNil(t, attempts["A"][0].StartedAt)
	assert.Equal(t, []models.TaskStatus{models.CancelledTaskStatus}, statuses(attempts["B"]))
	assert.Zero(t, h.exec.callCount("B"))

	t.Run("finished runs cannot be cancelled", func(t *testing.T) {
		err := h.engine.CancelRun(context.Background(), run.ID)
		assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	})
}

func TestEngine_CancelClosesPendingRetry(t *testing.T) {
	h := newHarness(t)
	h.exec.on("A", alwaysFail("later"))

	a := job("A")
	a.Retry = models.RetryPolicy{MaxRetries: 5, RetryDelaySeconds: 30}
	run, err := h.engine.StartRun(context.Background(), workflow("retry-cancel", []models.TaskDefinition{a}))
	require.NoError(t, err)
	eventually(t, func() bool {
		execs, _ := h.engine.TaskExecutions(context.Background(), run.ID)
		return len(execs) == 1 && execs[0].Status == models.RetryScheduledTaskStatus
	}, "retry scheduled")

	require.NoError(t, h.engine.CancelRun(context.Background(), run.ID))
	final := h.wait(t, run.ID)

	assert.Equal(t, models.CancelledRunStatus, final.Status)
	attempts := h.attempts(t, run.ID)["A"]
	require.Len(t, attempts, 2)
	assert.Equal(t, models.RetryScheduledTaskStatus, attempts[0].Status)
	assert.Equal(t, models.CancelledTaskStatus, attempts[1].Status)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, 1, h.exec.callCount("A"))
}

func TestEngine_RollbackCompensatesUpstreamInReverseOrder(t *testing.T) {
	chain := func() models.WorkflowDefinition {
		tasks := []models.TaskDefinition{job("extract"), job("transform"), job("load")}
		for i := range tasks[:2] {
			tasks[i].Compensation = &models.Compensation{Config: json.RawMessage(`{"undo":true}`)}
		}
		return workflow("etl", tasks,
			dep("extract", "transform", models.SuccessDependency),
			dep("transform", "load", models.SuccessDependency))
	}

	t.Run("depth bounds the walk", func(t *testing.T) {
		h := newHarness(t)
		h.exec.on("load", alwaysFail("disk full"))
		def := chain()
		def.Rollback = &models.RollbackConfig{Depth: 1}

		run := h.run(t, def)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Equal(t, models.CompletedRollbackStatus, run.RollbackStatus)
		assert.Equal(t, []string{"transform"}, h.exec.compensations())
	})

	t.Run("full depth in reverse topological order", func(t *testing.T) {
		h := newHarness(t)
		h.exec.on("load", alwaysFail("disk full"))
		def := chain()
		def.Rollback = &models.RollbackConfig{Depth: 2}

		run := h.run(t, def)
		assert.Equal(t, []string{"transform", "extract"}, h.exec.compensations())
		assert.Equal(t, models.CompletedRollbackStatus, run.RollbackStatus)
	})

	t.Run("failed compensation is a warning", func(t *testing.T) {
		h := newHarness(t)
		h.exec.on("load", alwaysFail("disk full"))
		h.exec.compErr["transform"] = errors.New("cannot undo")
		def := chain()
		def.Rollback = &models.RollbackConfig{Depth: 2}

		run := h.run(t, def)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Equal(t, models.PartialRollbackStatus, run.RollbackStatus)
		require.Len(t, run.Warnings, 1)
		assert.Contains(t, run.Warnings[0], "cannot undo")
		assert.Equal(t, []string{"extract"}, h.exec.compensations())
	})

	t.Run("no rollback without config", func(t *testing.T) {
		h := newHarness(t)
		h.exec.on("load", alwaysFail("disk full"))

		run := h.run(t, chain())
		assert.Equal(t, models.NoRollbackStatus, run.RollbackStatus)
		assert.Empty(t, h.exec.compensations())
	})
}

// waitForCall blocks inside an executor until taskID has been called.
func waitForCall(s *scripted, taskID string) {
	deadline := time.Now().Add(5 * time.Second)
	for s.callCount(taskID) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_FailFastStopsScheduling(t *testing.T) {
	h := newHarness(t)
	h.exec.on("bad", func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		waitForCall(h.exec, "slow")
		return nil, errors.New("bad")
	})
	h.exec.on("slow", sleepFor(100*time.Millisecond))

	def := workflow("ff", []models.TaskDefinition{job("bad"), job("slow"), job("after")},
		dep("slow", "after", models.SuccessDependency))
	def.FailFast = true

	run := h.run(t, def)
	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Equal(t, "bad", run.FailedTaskID)
	attempts := h.attempts(t, run.ID)
	require.Len(t, attempts["slow"], 1)
	assert.Equal(t, models.SuccessTaskStatus, attempts["slow"][0].Status, "running attempts finish")
	assert.NotNil(t, attempts["slow"][0].StartedAt)
	assert.False(t, run.FinishedAt.Before(*attempts["slow"][0].FinishedAt))
	assert.Equal(t, models.CancelledTaskStatus, attempts["after"][0].Status)
	assert.Zero(t, h.exec.callCount("after"))
}

func TestEngine_CancelWaitsForRunningAttempt(t *testing.T) {
	def := workflow("stubborn", []models.TaskDefinition{job("work"), job("next")},
		dep("work", "next", models.SuccessDependency))

	t.Run("executor returns within the grace period", func(t *testing.T) {
		h := newHarness(t)
		var finished atomic.Bool
		h.exec.on("work", func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
			time.Sleep(150 * time.Millisecond)
			finished.Store(true)
			return json.RawMessage(`{"done":true}`), nil
		})

		run, err := h.engine.StartRun(context.Background(), def)
		require.NoError(t, err)
		eventually(t, func() bool { return h.exec.callCount("work") == 1 }, "work started")

		require.NoError(t, h.engine.CancelRun(context.Background(), run.ID))
		final := h.wait(t, run.ID)

		assert.True(t, finished.Load(), "run ended while its attempt was still executing")
		assert.Equal(t, models.CancelledRunStatus, final.Status)
		attempts := h.attempts(t, run.ID)
		require.Len(t, attempts["work"], 1)
		work := attempts["work"][0]
		assert.Equal(t, models.SuccessTaskStatus, work.Status)
		assert.NotNil(t, work.StartedAt)
		assert.NotNil(t, work.FinishedAt)
		assert.Equal(t, []models.TaskStatus{models.CancelledTaskStatus}, statuses(attempts["next"]))
		assert.Zero(t, h.exec.callCount("next"))
	})

	t.Run("executor outlives the grace period", func(t *testing.T) {
		h := newHarness(t)
		h.exec.on("work", func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
			time.Sleep(time.Second)
			return json.RawMessage(`{"done":true}`), nil
		})

		run, err := h.engine.StartRun(context.Background(), def)
		require.NoError(t, err)
		eventually(t, func() bool { return h.exec.callCount("work") == 1 }, "work started")

		require.NoError(t, h.engine.CancelRun(context.Background(), run.ID))
		final := h.wait(t, run.ID)

		assert.Equal(t, models.CancelledRunStatus, final.Status)
		attempts := h.attempts(t, run.ID)
		require.Len(t, attempts["work"], 1)
		work := attempts["work"][0]
		assert.Equal(t, models.CancelledTaskStatus, work.Status)
		assert.NotNil(t, work.StartedAt, "the worker's record is not overwritten")
		assert.Equal(t, models.ErrRunCancelled.Error(), work.Error)
		assert.Zero(t, h.exec.callCount("next"))
	})
}

func TestEngine_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	def := workflow("loop", []models.TaskDefinition{job("A"), job("B")},
		dep("A", "B", models.SuccessDependency), dep("B", "A", models.SuccessDependency))

	_, err := h.engine.StartRun(context.Background(), def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidGraph))

	runs, err := h.engine.RunHistory(context.Background(), "loop", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, h.engine.QueueSize())

	t.Run("unknown task type", func(t *testing.T) {
		def := workflow("script", []models.TaskDefinition{{ID: "s", Type: models.ScriptTaskType}})
		_, err := h.engine.StartRun(context.Background(), def)
		var unknown *models.UnknownTaskTypeError
		assert.True(t, errors.As(err, &unknown))
	})
}

func TestEngine_ExecuteWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Workflows().CreateWorkflow(ctx, workflow("daily", []models.TaskDefinition{job("A")}))
	require.NoError(t, err)

	run, err := h.engine.ExecuteWorkflow(ctx, "daily", service.WithTrigger(models.APIRunTrigger))
	require.NoError(t, err)
	final := h.wait(t, run.ID)
	assert.Equal(t, models.SuccessRunStatus, final.Status)
	assert.Equal(t, models.APIRunTrigger, final.Trigger)
	assert.Equal(t, 1, final.WorkflowVersion)

	require.NoError(t, h.engine.Workflows().Deactivate(ctx, "daily"))
	_, err = h.engine.ExecuteWorkflow(ctx, "daily")
	assert.True(t, errors.Is(err, service.ErrWorkflowInactive))
	assert.Contains(t, err.Error(), "workflow daily")

	history, err := h.engine.RunHistory(ctx, "daily", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	t.Run("lookups keep the cause", func(t *testing.T) {
		_, err := h.engine.GetRun(ctx, "ghost")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		assert.Contains(t, err.Error(), "failed to get run ghost")

		err = h.engine.CancelRun(ctx, "ghost")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
}

func TestEngine_Backfill(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 3, 23, 0, 0, 0, time.UTC)

	t.Run("cron schedule", func(t *testing.T) {
		h := newHarness(t)
		def := workflow("nightly", []models.TaskDefinition{job("A")})
		def.Schedule = "30 2 * * *"
		_, err := h.engine.Workflows().CreateWorkflow(ctx, def)
		require.NoError(t, err)

		runs, err := h.engine.Backfill(ctx, "nightly", start, end)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.True(t, runs[0].LogicalDate.Equal(time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC)))
		for _, r := range runs {
			assert.Equal(t, models.BackfillRunTrigger, r.Trigger)
			assert.Equal(t, models.SuccessRunStatus, h.wait(t, r.ID).Status)
		}
	})

	t.Run("daily without schedule", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Workflows().CreateWorkflow(ctx, workflow("adhoc", []models.TaskDefinition{job("A")}))
		require.NoError(t, err)

		runs, err := h.engine.Backfill(ctx, "adhoc", start, end)
		require.NoError(t, err)
		assert.Len(t, runs, 3)
	})

	t.Run("range is capped", func(t *testing.T) {
		h := newHarness(t, service.WithMaxBackfillRuns(2))
		_, err := h.engine.Workflows().CreateWorkflow(ctx, workflow("capped", []models.TaskDefinition{job("A")}))
		require.NoError(t, err)

		_, err = h.engine.Backfill(ctx, "capped", start, end)
		assert.True(t, errors.Is(err, models.ErrValidation))
		runs, err := h.engine.RunHistory(ctx, "capped", 0)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("inverted range", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Backfill(ctx, "any", end, start)
		assert.True(t, errors.Is(err, models.ErrValidation))
	})
}

func TestEngine_PriorityOrderWithSingleWorker(t *testing.T) {
	h := newHarness(t, service.WithWorkers(1))
	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return nil, nil
	}
	tasks := []models.TaskDefinition{job("lo"), job("hi"), job("mid")}
	tasks[0].Priority, tasks[1].Priority, tasks[2].Priority = 1, 5, 3
	for _, task := range tasks {
		h.exec.on(task.ID, record)
	}

	run := h.run(t, workflow("prio", tasks))
	assert.Equal(t, models.SuccessRunStatus, run.Status)
	assert.Equal(t, []string{"hi", "mid", "lo"}, order)
}

func TestEngine_ResizeKeepsInFlightAttempts(t *testing.T) {
	h := newHarness(t, service.WithWorkers(4))
	gate := make(chan struct{})
	var running, peak atomic.Int32
	blocked := func(context.Context, service.ExecutionRequest) (json.RawMessage, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		return nil, nil
	}
	tasks := []models.TaskDefinition{job("t1"), job("t2"), job("t3"), job("t4")}
	for _, task := range tasks {
		h.exec.on(task.ID, blocked)
	}

	run, err := h.engine.StartRun(context.Background(), workflow("wide", tasks))
	require.NoError(t, err)
	eventually(t, func() bool { return running.Load() == 4 }, "four attempts in flight")

	require.NoError(t, h.engine.SetPoolSize(1))
	assert.Equal(t, 1, h.engine.PoolSize())
	close(gate)

	final := h.wait(t, run.ID)
	assert.Equal(t, models.SuccessRunStatus, final.Status)
	for _, task := range tasks {
		assert.Equal(t, []models.TaskStatus{models.SuccessTaskStatus}, statuses(h.attempts(t, run.ID)[task.ID]))
	}

	t.Run("subsequent work runs on one worker", func(t *testing.T) {
		peak.Store(0)
		next := []models.TaskDefinition{job("u1"), job("u2"), job("u3")}
		for _, task := range next {
			h.exec.on(task.ID, func(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
				n := running.Add(1)
				defer running.Add(-1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				return nil, nil
			})
		}
		run := h.run(t, workflow("narrow", next))
		assert.Equal(t, models.SuccessRunStatus, run.Status)
		assert.Equal(t, int32(1), peak.Load())
	})

	t.Run("invalid size is rejected", func(t *testing.T) {
		err := h.engine.SetPoolSize(0)
		assert.True(t, errors.Is(err, models.ErrValidation))
		assert.Equal(t, 1, h.engine.PoolSize())
	})
}

func TestEngine_ResumesUnfinishedRuns(t *testing.T) {
	ctx := context.Background()
	h := &harness{exec: newScripted(), events: &recorder{}}
	h.store = newStoreWithInterruptedRun(t)

	registry := service.NewRegistry()
	registry.MustRegister(models.JobTaskType, h.exec)
	h.engine = service.NewEngine(h.store, registry, logger{}, service.WithWorkers(2), service.WithNotifiers(h.events))
	require.NoError(t, h.engine.Start(ctx))
	t.Cleanup(h.engine.Stop)

	run := h.wait(t, "run-1")
	assert.Equal(t, models.SuccessRunStatus, run.Status)

	attempts := h.attempts(t, "run-1")
	assert.Equal(t, []models.TaskStatus{models.SuccessTaskStatus}, statuses(attempts["extract"]))
	assert.Equal(t, []models.TaskStatus{models.RetryScheduledTaskStatus, models.SuccessTaskStatus}, statuses(attempts["transform"]))
	assert.Contains(t, attempts["transform"][0].Error, "interrupted")
	assert.Equal(t, []models.TaskStatus{models.SuccessTaskStatus}, statuses(attempts["report"]))
	assert.Zero(t, h.exec.callCount("extract"), "finished work is not repeated")
	assert.Equal(t, 1, h.exec.callCount("report"))
}

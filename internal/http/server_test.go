package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignatij/dagflow/internal/executors"
	internal_http "github.com/ignatij/dagflow/internal/http"
	"github.com/ignatij/dagflow/internal/log"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etlWorkflow = `{
	"name": "etl",
	"tasks": [{"id": "extract", "type": "job"}, {"id": "load", "type": "job"}],
	"dependencies": [{"upstream": "extract", "downstream": "load"}]
}`

func newServer(t *testing.T) (*httptest.Server, *service.Engine) {
	t.Helper()
	registry := service.NewRegistry()
	engine := service.NewEngine(storage.NewMemoryStore(), registry, log.GetLogger(), service.WithWorkers(2))
	executors.RegisterDefaults(registry, engine)
	require.NoError(t, engine.Start(context.Background()))
	srv := httptest.NewServer(internal_http.NewServer(engine, log.GetLogger()).Routes())
	t.Cleanup(func() {
		srv.Close()
		engine.Stop()
	})
	return srv, engine
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func waitRun(t *testing.T, engine *service.Engine, id string) models.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := engine.WaitRun(ctx, id)
	require.NoError(t, err)
	return run
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		srv, _ := newServer(t)
		status, body := do(t, srv, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "dagflow server is running", string(body))
	})

	t.Run("ListEmptyWorkflows", func(t *testing.T) {
		srv, _ := newServer(t)
		status, body := do(t, srv, http.MethodGet, "/api/v1/workflows", "")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "[]\n", string(body))
	})

	t.Run("WorkflowLifecycle", func(t *testing.T) {
		srv, _ := newServer(t)

		status, body := do(t, srv, http.MethodPost, "/api/v1/workflows", etlWorkflow)
		require.Equal(t, http.StatusCreated, status, string(body))
		created := decode[models.WorkflowDefinition](t, body)
		assert.Equal(t, 1, created.Version)
		assert.True(t, created.Active)
		assert.True(t, created.Enabled)
		assert.Equal(t, models.JobTaskType, created.Tasks[0].Type)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows", etlWorkflow)
		assert.Equal(t, http.StatusConflict, status)

		status, body = do(t, srv, http.MethodPut, "/api/v1/workflows/etl",
			`{"description": "nightly", "tasks": [{"id": "extract", "type": "job"}]}`)
		require.Equal(t, http.StatusOK, status, string(body))
		assert.Equal(t, 2, decode[models.WorkflowDefinition](t, body).Version)

		status, body = do(t, srv, http.MethodGet, "/api/v1/workflows/etl?version=1", "")
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[models.WorkflowDefinition](t, body).Tasks, 2)

		status, body = do(t, srv, http.MethodPost, "/api/v1/workflows/etl/versions/1/restore", "")
		require.Equal(t, http.StatusOK, status, string(body))
		restored := decode[models.WorkflowDefinition](t, body)
		assert.Equal(t, 3, restored.Version)
		assert.Len(t, restored.Tasks, 2)

		status, body = do(t, srv, http.MethodGet, "/api/v1/workflows/etl/versions", "")
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]models.WorkflowDefinition](t, body), 3)

		status, body = do(t, srv, http.MethodPost, "/api/v1/workflows/etl/toggle-enabled", "")
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"name":"etl","enabled":false}`, string(body))

		status, body = do(t, srv, http.MethodPost, "/api/v1/workflows/etl/deactivate", "")
		require.Equal(t, http.StatusOK, status)
		assert.False(t, decode[models.WorkflowDefinition](t, body).Active)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows/etl/execute", "")
		assert.Equal(t, http.StatusConflict, status)

		status, body = do(t, srv, http.MethodPost, "/api/v1/workflows/etl/activate", "")
		require.Equal(t, http.StatusOK, status)
		assert.True(t, decode[models.WorkflowDefinition](t, body).Active)
	})

	t.Run("RejectsBadRequests", func(t *testing.T) {
		srv, _ := newServer(t)

		cyclic := `{"name": "loop", "tasks": [{"id": "a", "type": "job"}, {"id": "b", "type": "job"}],
			"dependencies": [{"upstream": "a", "downstream": "b"}, {"upstream": "b", "downstream": "a"}]}`
		status, body := do(t, srv, http.MethodPost, "/api/v1/workflows", cyclic)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, string(body), "error")

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows", `{"name": `)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = do(t, srv, http.MethodGet, "/api/v1/workflows/missing", "")
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows/missing/execute", "")
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = do(t, srv, http.MethodGet, "/api/v1/runs/missing", "")
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows/x/versions/abc/restore", "")
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = do(t, srv, http.MethodPut, "/api/v1/workflows/etl", `{"name": "other", "tasks": []}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("ExecuteAndInspectRun", func(t *testing.T) {
		srv, engine := newServer(t)
		status, _ := do(t, srv, http.MethodPost, "/api/v1/workflows", etlWorkflow)
		require.Equal(t, http.StatusCreated, status)

		status, body := do(t, srv, http.MethodPost, "/api/v1/workflows/etl/execute", "")
		require.Equal(t, http.StatusAccepted, status, string(body))
		run := decode[models.Run](t, body)
		assert.Equal(t, models.APIRunTrigger, run.Trigger)

		assert.Equal(t, models.SuccessRunStatus, waitRun(t, engine, run.ID).Status)

		status, body = do(t, srv, http.MethodGet, "/api/v1/runs/"+run.ID, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, models.SuccessRunStatus, decode[models.Run](t, body).Status)

		status, body = do(t, srv, http.MethodGet, "/api/v1/runs/"+run.ID+"/tasks", "")
		require.Equal(t, http.StatusOK, status)
		execs := decode[[]models.TaskExecution](t, body)
		require.Len(t, execs, 2)
		for _, e := range execs {
			assert.Equal(t, models.SuccessTaskStatus, e.Status)
		}

		status, body = do(t, srv, http.MethodGet, "/api/v1/workflows/etl/runs?limit=5", "")
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]models.Run](t, body), 1)

		status, _ = do(t, srv, http.MethodGet, "/api/v1/runs/"+run.ID+"/logs", "")
		assert.Equal(t, http.StatusOK, status)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, status)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/runs/"+run.ID+"/rollback", "")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("Backfill", func(t *testing.T) {
		srv, engine := newServer(t)
		def := `{"name": "daily", "schedule": "0 6 * * *", "tasks": [{"id": "report", "type": "sync"}]}`
		status, _ := do(t, srv, http.MethodPost, "/api/v1/workflows", def)
		require.Equal(t, http.StatusCreated, status)

		status, body := do(t, srv, http.MethodPost, "/api/v1/workflows/daily/backfill",
			`{"start": "2024-01-01T00:00:00Z", "end": "2024-01-03T23:00:00Z"}`)
		require.Equal(t, http.StatusAccepted, status, string(body))
		runs := decode[[]models.Run](t, body)
		require.Len(t, runs, 3)
		for i, run := range runs {
			assert.Equal(t, models.BackfillRunTrigger, run.Trigger)
			require.NotNil(t, run.LogicalDate)
			assert.Equal(t, time.Date(2024, 1, 1+i, 6, 0, 0, 0, time.UTC), run.LogicalDate.UTC())
			waitRun(t, engine, run.ID)
		}

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows/daily/backfill",
			`{"start": "2024-01-03T00:00:00Z", "end": "2024-01-01T00:00:00Z"}`)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows/daily/backfill", `{}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("DeleteWorkflow", func(t *testing.T) {
		srv, engine := newServer(t)
		status, _ := do(t, srv, http.MethodPost, "/api/v1/workflows", etlWorkflow)
		require.Equal(t, http.StatusCreated, status)
		status, body := do(t, srv, http.MethodPost, "/api/v1/workflows/etl/execute", "")
		require.Equal(t, http.StatusAccepted, status)
		waitRun(t, engine, decode[models.Run](t, body).ID)

		status, body = do(t, srv, http.MethodDelete, "/api/v1/workflows/etl", "")
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"name":"etl","deleted":false}`, string(body))

		status, _ = do(t, srv, http.MethodPost, "/api/v1/workflows",
			`{"name": "scratch", "tasks": [{"id": "a", "type": "job"}]}`)
		require.Equal(t, http.StatusCreated, status)
		status, body = do(t, srv, http.MethodDelete, "/api/v1/workflows/scratch", "")
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"name":"scratch","deleted":true}`, string(body))

		status, _ = do(t, srv, http.MethodGet, "/api/v1/workflows/scratch", "")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("QueueIntrospection", func(t *testing.T) {
		srv, _ := newServer(t)

		status, body := do(t, srv, http.MethodGet, "/api/v1/queue/size", "")
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"size":0}`, string(body))

		status, body = do(t, srv, http.MethodGet, "/api/v1/queue/workers", "")
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"size":2}`, string(body))

		status, body = do(t, srv, http.MethodPut, "/api/v1/queue/workers", `{"size": 3}`)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"size":3}`, string(body))

		status, _ = do(t, srv, http.MethodPut, "/api/v1/queue/workers", `{"size": 0}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

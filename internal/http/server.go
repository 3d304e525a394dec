package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
	defaultRunLimit = 50
)

// Server exposes the engine over a JSON REST API.
type Server struct {
	engine *service.Engine
	logger *logrus.Logger
}

func NewServer(engine *service.Engine, logger *logrus.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// Routes builds the router: /health plus the /api/v1 resources.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", HealthHandler)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Put("/", s.updateWorkflow)
				r.Delete("/", s.deleteWorkflow)
				r.Post("/activate", s.activateWorkflow)
				r.Post("/deactivate", s.deactivateWorkflow)
				r.Post("/toggle-enabled", s.toggleEnabled)
				r.Get("/versions", s.listVersions)
				r.Post("/versions/{version}/restore", s.restoreVersion)
				r.Post("/execute", s.executeWorkflow)
				r.Post("/backfill", s.backfill)
				r.Get("/runs", s.listRuns)
			})
		})
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/cancel", s.cancelRun)
			r.Post("/rollback", s.rollbackRun)
			r.Get("/tasks", s.listTaskExecutions)
			r.Get("/logs", s.listExecutionLogs)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/size", s.queueSize)
			r.Get("/workers", s.getWorkers)
			r.Put("/workers", s.setWorkers)
		})
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting dagflow API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Infof("Shutting down dagflow API server")
	return srv.Shutdown(shutdownCtx)
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "dagflow server is running")
}

// requestLogger logs every request with its status and duration, counts it
// and wraps it in a span named after the matched route.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.Tracer().Start(r.Context(), "http.request")
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		telemetry.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// ─── Workflow definitions ─────────────────────────────────────────────────────

// workflowRequest is a definition as submitted over the API. The flags
// default to true when omitted.
type workflowRequest struct {
	models.WorkflowDefinition
	Active  *bool `json:"active"`
	Enabled *bool `json:"enabled"`
}

func (req workflowRequest) definition() models.WorkflowDefinition {
	def := req.WorkflowDefinition
	def.Active = req.Active == nil || *req.Active
	def.Enabled = req.Enabled == nil || *req.Enabled
	return def
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.Workflows().ListWorkflows(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if defs == nil {
		defs = []models.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	def, err := s.engine.Workflows().CreateWorkflow(r.Context(), req.definition())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if v := r.URL.Query().Get("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "version must be an integer")
			return
		}
		def, err := s.engine.Workflows().GetVersion(r.Context(), name, version)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
		return
	}
	def, err := s.engine.Workflows().GetWorkflow(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req workflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" && req.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("body names workflow %q, path names %q", req.Name, name))
		return
	}
	req.Name = name
	def, err := s.engine.Workflows().UpdateWorkflow(r.Context(), req.WorkflowDefinition)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := s.engine.Workflows().DeleteWorkflow(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "deleted": deleted})
}

func (s *Server) activateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, s.engine.Workflows().Activate)
}

func (s *Server) deactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, s.engine.Workflows().Deactivate)
}

func (s *Server) setFlag(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	name := chi.URLParam(r, "name")
	if err := apply(r.Context(), name); err != nil {
		s.fail(w, err)
		return
	}
	def, err := s.engine.Workflows().GetWorkflow(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) toggleEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	enabled, err := s.engine.Workflows().ToggleEnabled(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.Workflows().ListVersions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) restoreVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	def, err := s.engine.Workflows().RestoreVersion(r.Context(), chi.URLParam(r, "name"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ─── Run control ──────────────────────────────────────────────────────────────

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.ExecuteWorkflow(r.Context(), chi.URLParam(r, "name"), service.WithTrigger(models.APIRunTrigger))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

type backfillRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		writeError(w, http.StatusBadRequest, "fields 'start' and 'end' are required")
		return
	}
	runs, err := s.engine.Backfill(r.Context(), chi.URLParam(r, "name"), req.Start, req.End)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runs)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelRun(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "message": "cancellation requested"})
}

type rollbackRequest struct {
	Depth int `json:"depth"`
}

type rollbackResponse struct {
	Status      models.RollbackStatus `json:"status"`
	Compensated []string              `json:"compensated"`
	Skipped     []string              `json:"skipped,omitempty"`
	Failures    map[string]string     `json:"failures,omitempty"`
}

func (s *Server) rollbackRun(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Rollback(r.Context(), chi.URLParam(r, "id"), req.Depth)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollbackResponse{
		Status:      res.Status,
		Compensated: res.Compensated,
		Skipped:     res.Skipped,
		Failures:    res.Failures,
	})
}

// ─── State queries ────────────────────────────────────────────────────────────

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.engine.RunHistory(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listTaskExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.engine.TaskExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if execs == nil {
		execs = []models.TaskExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetRun(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	logs, err := s.engine.ExecutionLogs(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if logs == nil {
		logs = []models.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ─── Queue introspection ──────────────────────────────────────────────────────

type sizeBody struct {
	Size int `json:"size"`
}

func (s *Server) queueSize(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sizeBody{Size: s.engine.QueueSize()})
}

func (s *Server) getWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sizeBody{Size: s.engine.PoolSize()})
}

func (s *Server) setWorkers(w http.ResponseWriter, r *http.Request) {
	var req sizeBody
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetPoolSize(req.Size); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sizeBody{Size: s.engine.PoolSize()})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case models.IsDefinitionError(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, service.ErrWorkflowInactive),
		errors.Is(err, service.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, service.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

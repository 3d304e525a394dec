package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on PostgreSQL. Status updates are
// conditional on the stored status, so two writers racing for the same run
// or attempt cannot both win.
type PostgresStore struct {
	db     DBInterface
	nested bool // a Begin inside a transaction joins it
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	switch db := s.db.(type) {
	case *sqlx.DB:
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	case *sqlx.Tx:
		return &PostgresStore{db: db, nested: true}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if s.nested {
		return nil
	}
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if s.nested {
		return nil
	}
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// definitionSpec is the JSONB body of a workflow version.
type definitionSpec struct {
	Tasks        []models.TaskDefinition `json:"tasks"`
	Dependencies []models.Dependency     `json:"dependencies,omitempty"`
	Rollback     *models.RollbackConfig  `json:"rollback,omitempty"`
	FailFast     bool                    `json:"fail_fast,omitempty"`
}

type definitionRow struct {
	Name        string    `db:"name"`
	Version     int       `db:"version"`
	Description string    `db:"description"`
	Schedule    string    `db:"schedule"`
	Spec        []byte    `db:"spec"`
	Active      bool      `db:"active"`
	Enabled     bool      `db:"enabled"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r definitionRow) definition() (models.WorkflowDefinition, error) {
	var spec definitionSpec
	if err := json.Unmarshal(r.Spec, &spec); err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("decode workflow %s version %d: %w", r.Name, r.Version, err)
	}
	return models.WorkflowDefinition{
		Name:         r.Name,
		Version:      r.Version,
		Description:  r.Description,
		Tasks:        spec.Tasks,
		Dependencies: spec.Dependencies,
		Active:       r.Active,
		Enabled:      r.Enabled,
		Schedule:     r.Schedule,
		Rollback:     spec.Rollback,
		FailFast:     spec.FailFast,
		CreatedAt:    r.CreatedAt,
	}, nil
}

const selectDefinition = `
	SELECT v.name, v.version, v.description, v.schedule, v.spec, w.active, w.enabled, v.created_at
	FROM workflow_versions v JOIN workflows w ON w.name = v.name`

func (s *PostgresStore) CreateDefinition(ctx context.Context, def models.WorkflowDefinition) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workflows (name, current_version, active, enabled, created_at) VALUES ($1, $2, $3, $4, $5)",
		def.Name, def.Version, def.Active, def.Enabled, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", def.Name, mapError(err))
	}
	return s.insertVersion(ctx, def)
}

func (s *PostgresStore) AppendDefinitionVersion(ctx context.Context, def models.WorkflowDefinition) error {
	if err := s.insertVersion(ctx, def); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE workflows SET current_version = $1 WHERE name = $2", def.Version, def.Name)
	if err != nil {
		return fmt.Errorf("update current version of workflow %s: %w", def.Name, err)
	}
	return nil
}

func (s *PostgresStore) insertVersion(ctx context.Context, def models.WorkflowDefinition) error {
	spec, err := json.Marshal(definitionSpec{
		Tasks:        def.Tasks,
		Dependencies: def.Dependencies,
		Rollback:     def.Rollback,
		FailFast:     def.FailFast,
	})
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", def.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (name, version, description, schedule, spec, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		def.Name, def.Version, def.Description, def.Schedule, string(spec), def.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s version %d: %w", def.Name, def.Version, mapError(err))
	}
	return nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, name string) (models.WorkflowDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, selectDefinition+" WHERE v.name = $1 AND v.version = w.current_version", name)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", name, mapError(err))
	}
	return row.definition()
}

func (s *PostgresStore) GetDefinitionVersion(ctx context.Context, name string, version int) (models.WorkflowDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, selectDefinition+" WHERE v.name = $1 AND v.version = $2", name, version)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %s version %d: %w", name, version, mapError(err))
	}
	return row.definition()
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]models.WorkflowDefinition, error) {
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, selectDefinition+" WHERE v.version = w.current_version ORDER BY v.name"); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return toDefinitions(rows)
}

func (s *PostgresStore) ListDefinitionVersions(ctx context.Context, name string) ([]models.WorkflowDefinition, error) {
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, selectDefinition+" WHERE v.name = $1 ORDER BY v.version", name); err != nil {
		return nil, fmt.Errorf("list versions of workflow %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("workflow %q: %w", name, storage.ErrNotFound)
	}
	return toDefinitions(rows)
}

func toDefinitions(rows []definitionRow) ([]models.WorkflowDefinition, error) {
	out := make([]models.WorkflowDefinition, 0, len(rows))
	for _, r := range rows {
		def, err := r.definition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *PostgresStore) SetDefinitionFlags(ctx context.Context, name string, active, enabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflows SET active = $1, enabled = $2 WHERE name = $3", active, enabled, name)
	if err != nil {
		return fmt.Errorf("update flags of workflow %s: %w", name, err)
	}
	return requireRow(res, fmt.Sprintf("workflow %q", name))
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", name, err)
	}
	return requireRow(res, fmt.Sprintf("workflow %q", name))
}

type runRow struct {
	ID              string         `db:"id"`
	WorkflowName    string         `db:"workflow_name"`
	WorkflowVersion int            `db:"workflow_version"`
	Status          string         `db:"status"`
	Trigger         string         `db:"trigger_type"`
	LogicalDate     *time.Time     `db:"logical_date"`
	ParentRunID     string         `db:"parent_run_id"`
	FailedTaskID    string         `db:"failed_task_id"`
	Error           string         `db:"error"`
	RollbackStatus  string         `db:"rollback_status"`
	Warnings        pq.StringArray `db:"warnings"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       *time.Time     `db:"started_at"`
	FinishedAt      *time.Time     `db:"finished_at"`
}

func (r runRow) run() models.Run {
	return models.Run{
		ID:              r.ID,
		WorkflowName:    r.WorkflowName,
		WorkflowVersion: r.WorkflowVersion,
		Status:          models.RunStatus(r.Status),
		Trigger:         models.RunTrigger(r.Trigger),
		LogicalDate:     r.LogicalDate,
		ParentRunID:     r.ParentRunID,
		FailedTaskID:    r.FailedTaskID,
		Error:           r.Error,
		RollbackStatus:  models.RollbackStatus(r.RollbackStatus),
		Warnings:        []string(r.Warnings),
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
}

func toRuns(rows []runRow) []models.Run {
	out := make([]models.Run, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.run())
	}
	return out
}

const selectRun = `
	SELECT id, workflow_name, workflow_version, status, trigger_type, logical_date, parent_run_id,
	       failed_task_id, error, rollback_status, warnings, created_at, started_at, finished_at
	FROM runs`

func (s *PostgresStore) SaveRun(ctx context.Context, run models.Run) error {
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, workflow_version, status, trigger_type, logical_date, parent_run_id,
		                  failed_task_id, error, rollback_status, warnings, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.WorkflowName, run.WorkflowVersion, run.Status, run.Trigger, run.LogicalDate, run.ParentRunID,
		run.FailedTaskID, run.Error, run.RollbackStatus, pq.Array(warnings), run.CreatedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, mapError(err))
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (models.Run, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, selectRun+" WHERE id = $1", id); err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, mapError(err))
	}
	return row.run(), nil
}

// UpdateRun writes run only if the stored status may move to run.Status.
func (s *PostgresStore) UpdateRun(ctx context.Context, run models.Run) error {
	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, failed_task_id = $3, error = $4, rollback_status = $5, warnings = $6,
		    started_at = $7, finished_at = $8
		WHERE id = $1 AND status = ANY($9)`,
		run.ID, run.Status, run.FailedTaskID, run.Error, run.RollbackStatus, pq.Array(warnings),
		run.StartedAt, run.FinishedAt, pq.Array(models.RunTransitionSources(run.Status)))
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	stored, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := models.ValidateRunTransition(stored.Status, run.Status); err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	return fmt.Errorf("run %s: status changed concurrently: %w", run.ID, storage.ErrInvalidTransition)
}

func (s *PostgresStore) ListRuns(ctx context.Context, workflowName string, limit int) ([]models.Run, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		selectRun+" WHERE ($1 = '' OR workflow_name = $1) ORDER BY created_at DESC, id DESC LIMIT $2",
		workflowName, lim)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", workflowName, err)
	}
	return toRuns(rows), nil
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]models.Run, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, selectRun+" WHERE status = ANY($1) ORDER BY created_at, id", pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	return toRuns(rows), nil
}

func (s *PostgresStore) CountRuns(ctx context.Context, workflowName string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM runs WHERE workflow_name = $1", workflowName); err != nil {
		return 0, fmt.Errorf("count runs of %s: %w", workflowName, err)
	}
	return n, nil
}

type executionRow struct {
	ID            string     `db:"id"`
	RunID         string     `db:"run_id"`
	TaskID        string     `db:"task_id"`
	Attempt       int        `db:"attempt"`
	Status        string     `db:"status"`
	Priority      int        `db:"priority"`
	Output        []byte     `db:"output"`
	Error         string     `db:"error"`
	SLABreached   bool       `db:"sla_breached"`
	QueuedAt      time.Time  `db:"queued_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
}

func (r executionRow) execution() models.TaskExecution {
	return models.TaskExecution{
		ID:            r.ID,
		RunID:         r.RunID,
		TaskID:        r.TaskID,
		Attempt:       r.Attempt,
		Status:        models.TaskStatus(r.Status),
		Priority:      r.Priority,
		Output:        json.RawMessage(r.Output),
		Error:         r.Error,
		SLABreached:   r.SLABreached,
		QueuedAt:      r.QueuedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		NextAttemptAt: r.NextAttemptAt,
	}
}

const selectExecution = `
	SELECT id, run_id, task_id, attempt, status, priority, output, error, sla_breached,
	       queued_at, started_at, finished_at, next_attempt_at
	FROM task_executions`

func (s *PostgresStore) SaveTaskExecution(ctx context.Context, exec models.TaskExecution) error {
	if err := models.ValidateInitialTaskStatus(exec.Status); err != nil {
		return fmt.Errorf("task execution %s: %w", exec.ID, err)
	}
	var latest int
	err := s.db.GetContext(ctx, &latest,
		"SELECT COALESCE(MAX(attempt), 0) FROM task_executions WHERE run_id = $1 AND task_id = $2",
		exec.RunID, exec.TaskID)
	if err != nil {
		return fmt.Errorf("save task execution %s: %w", exec.ID, err)
	}
	if latest >= exec.Attempt {
		return fmt.Errorf("task %s attempt %d in run %s: %w", exec.TaskID, exec.Attempt, exec.RunID, storage.ErrAlreadyExists)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, run_id, task_id, attempt, status, priority, output, error, sla_breached,
		                             queued_at, started_at, finished_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.RunID, exec.TaskID, exec.Attempt, exec.Status, exec.Priority, nullableJSON(exec.Output),
		exec.Error, exec.SLABreached, exec.QueuedAt, exec.StartedAt, exec.FinishedAt, exec.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("save task execution %s: %w", exec.ID, mapError(err))
	}
	return nil
}

// UpdateTaskExecution writes exec only while the stored status is still
// from. This compare-and-set arbitrates between a worker starting an attempt
// and a cancellation closing it: whichever moves it out of QUEUED first wins.
func (s *PostgresStore) UpdateTaskExecution(ctx context.Context, exec models.TaskExecution, from models.TaskStatus) error {
	if err := models.ValidateTaskTransition(from, exec.Status); err != nil {
		return fmt.Errorf("task execution %s: %w", exec.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = $2, output = $3, error = $4, sla_breached = $5, started_at = $6, finished_at = $7,
		    next_attempt_at = $8
		WHERE id = $1 AND status = $9`,
		exec.ID, exec.Status, nullableJSON(exec.Output), exec.Error, exec.SLABreached, exec.StartedAt,
		exec.FinishedAt, exec.NextAttemptAt, from)
	if err != nil {
		return fmt.Errorf("update task execution %s: %w", exec.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	stored, err := s.GetTaskExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("task execution %s is no longer %s: %w", exec.ID, from,
		&models.InvalidTransitionError{Entity: "task execution", From: string(stored.Status), To: string(exec.Status)})
}

func (s *PostgresStore) GetTaskExecution(ctx context.Context, id string) (models.TaskExecution, error) {
	var row executionRow
	if err := s.db.GetContext(ctx, &row, selectExecution+" WHERE id = $1", id); err != nil {
		return models.TaskExecution{}, fmt.Errorf("get task execution %s: %w", id, mapError(err))
	}
	return row.execution(), nil
}

func (s *PostgresStore) ListTaskExecutions(ctx context.Context, runID string) ([]models.TaskExecution, error) {
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, selectExecution+" WHERE run_id = $1 ORDER BY queued_at, task_id, attempt", runID); err != nil {
		return nil, fmt.Errorf("list task executions of run %s: %w", runID, err)
	}
	out := make([]models.TaskExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.execution())
	}
	return out, nil
}

func (s *PostgresStore) SaveExecutionLog(ctx context.Context, entry models.ExecutionLog) error {
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO execution_logs (run_id, task_id, level, message, logged_at) VALUES ($1, $2, $3, $4, $5)",
		entry.RunID, entry.TaskID, entry.Level, entry.Message, entry.LoggedAt)
	if err != nil {
		return fmt.Errorf("save execution log for run %s: %w", entry.RunID, err)
	}
	return nil
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, runID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.SelectContext(ctx, &logs,
		"SELECT id, run_id, task_id, level, message, logged_at FROM execution_logs WHERE run_id = $1 ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs of run %s: %w", runID, err)
	}
	return logs, nil
}

// mapError translates driver errors into the storage sentinels.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", pqErr.Message, storage.ErrAlreadyExists)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", pqErr.Message, storage.ErrNotFound)
		}
	}
	return err
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

package models

import "time"

type LogLevel string

const (
	InfoLogLevel    LogLevel = "INFO"
	WarningLogLevel LogLevel = "WARNING"
	ErrorLogLevel   LogLevel = "ERROR"
)

// ExecutionLog is a note attached to a run, e.g. why a task was skipped or
// how a compensation went.
type ExecutionLog struct {
	ID       int64     `json:"id" db:"id"`                     // Assigned by the store
	RunID    string    `json:"run_id" db:"run_id"`             // Owning run
	TaskID   string    `json:"task_id,omitempty" db:"task_id"` // Empty for run-level notes
	Level    LogLevel  `json:"level" db:"level"`               // INFO, WARNING or ERROR
	Message  string    `json:"message" db:"message"`           // Human readable detail
	LoggedAt time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}

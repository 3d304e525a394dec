// Package executors provides the built-in executors for every task type.
package executors

import (
	"encoding/json"
	"fmt"

	"github.com/ignatij/dagflow/pkg/models"
	"github.com/ignatij/dagflow/pkg/service"
)

// RegisterDefaults registers the echo executor for JOB and SYNC, the HTTP
// executor for API_CALL and the shell executor for SCRIPT. SUB_WORKFLOW is
// registered only when runner is not nil.
func RegisterDefaults(r *service.Registry, runner Runner) {
	echo := EchoExecutor{}
	r.MustRegister(models.JobTaskType, echo)
	r.MustRegister(models.SyncTaskType, echo)
	r.MustRegister(models.APICallTaskType, NewHTTPExecutor(nil))
	r.MustRegister(models.ScriptTaskType, &ScriptExecutor{})
	if runner != nil {
		r.MustRegister(models.SubWorkflowTaskType, NewSubWorkflowExecutor(runner))
	}
}

// decodeConfig unmarshals raw into v. An empty config leaves v untouched.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &models.ValidationError{Field: "config", Msg: fmt.Sprintf("invalid config: %v", err)}
	}
	return nil
}

package executors

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/ignatij/dagflow/pkg/service"
)

type echoConfig struct {
	Fail  string `json:"fail"`  // Fail with this message
	Sleep string `json:"sleep"` // Go duration to wait before answering
}

// EchoExecutor reflects its request back as output. It is the executor for
// JOB and SYNC tasks and is handy for demos: config {"sleep":"2s"} delays
// the answer and {"fail":"boom"} makes the attempt fail.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
	var cfg echoConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Sleep != "" {
		d, err := time.ParseDuration(cfg.Sleep)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if cfg.Fail != "" {
		return nil, errors.New(cfg.Fail)
	}

	upstream := make([]string, 0, len(req.Upstream))
	for id := range req.Upstream {
		upstream = append(upstream, id)
	}
	sort.Strings(upstream)

	config := req.Config
	if len(config) == 0 {
		config = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Type     string          `json:"type"`
		Task     string          `json:"task"`
		Attempt  int             `json:"attempt"`
		Config   json.RawMessage `json:"config"`
		Upstream []string        `json:"upstream"`
	}{string(req.Type), req.TaskID, req.Attempt, config, upstream})
}

// Compensate has nothing to undo.
func (EchoExecutor) Compensate(context.Context, service.CompensationRequest) error {
	return nil
}

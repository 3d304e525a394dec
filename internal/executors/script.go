package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/ignatij/dagflow/pkg/service"
)

type scriptConfig struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env"`
}

// ScriptExecutor runs SCRIPT tasks with `sh -c`. The command sees the
// process environment plus the declared env. A non-zero exit fails the
// attempt.
type ScriptExecutor struct {
	Dir string // Working directory, the process's when empty
}

func (s *ScriptExecutor) Execute(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
	var cfg scriptConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}
	env := map[string]string{
		"DAGFLOW_RUN_ID":  req.RunID,
		"DAGFLOW_TASK_ID": req.TaskID,
		"DAGFLOW_ATTEMPT": fmt.Sprint(req.Attempt),
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	stdout, stderr, code, err := s.run(ctx, cfg.Command, env)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("command exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return json.Marshal(map[string]any{
		"stdout":    stdout,
		"exit_code": code,
	})
}

// Compensate runs the compensation command, e.g. {"command":"rm -f out.csv"}.
func (s *ScriptExecutor) Compensate(ctx context.Context, req service.CompensationRequest) error {
	var cfg scriptConfig
	if err := decodeConfig(req.Compensation, &cfg); err != nil {
		return err
	}
	_, stderr, code, err := s.run(ctx, cfg.Command, cfg.Env)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("compensation exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

func (s *ScriptExecutor) run(ctx context.Context, command string, env map[string]string) (string, string, int, error) {
	if strings.TrimSpace(command) == "" {
		return "", "", 0, errors.New("script config missing required field 'command'")
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = s.Dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// own process group so cancellation kills the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", "", 0, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return "", "", 0, fmt.Errorf("command cancelled: %w", ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("failed to execute command: %w", err)
		}
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), 0, nil
}

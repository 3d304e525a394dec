package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/service"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxResponseBody = 1 << 20

type httpConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"` // A JSON string is sent as text, anything else as JSON
}

// HTTPExecutor makes an outbound HTTP call for API_CALL tasks. Responses
// with a status of 400 or above fail the attempt.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPExecutor{client: client}
}

func (h *HTTPExecutor) Execute(ctx context.Context, req service.ExecutionRequest) (json.RawMessage, error) {
	var cfg httpConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, err
	}
	return h.call(ctx, "executor.http", cfg)
}

// Compensate issues the request described by the compensation config.
func (h *HTTPExecutor) Compensate(ctx context.Context, req service.CompensationRequest) error {
	var cfg httpConfig
	if err := decodeConfig(req.Compensation, &cfg); err != nil {
		return err
	}
	_, err := h.call(ctx, "executor.http.compensate", cfg)
	return err
}

func (h *HTTPExecutor) call(ctx context.Context, spanName string, cfg httpConfig) (json.RawMessage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanName)
	defer span.End()

	if cfg.URL == "" {
		err := errors.New("http config missing required field 'url'")
		span.SetStatus(codes.Error, "missing url")
		return nil, err
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
		if len(cfg.Body) > 0 {
			cfg.Method = http.MethodPost
		}
	}
	span.SetAttributes(
		attribute.String("http.url", cfg.URL),
		attribute.String("http.method", cfg.Method),
	)

	var body io.Reader
	contentType := ""
	if len(cfg.Body) > 0 {
		var text string
		if err := json.Unmarshal(cfg.Body, &text); err == nil {
			body = bytes.NewBufferString(text)
		} else {
			body = bytes.NewReader(cfg.Body)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("%s %s: %w", cfg.Method, cfg.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response of %s: %w", cfg.URL, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("%s %s returned status %d", cfg.Method, cfg.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	var payload any = string(raw)
	if json.Valid(raw) {
		payload = json.RawMessage(raw)
	}
	return json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body":        payload,
	})
}

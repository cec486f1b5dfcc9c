package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/internal/ctxkeys"
	"github.com/BaSui01/phaseflow/internal/tlsutil"
	"github.com/BaSui01/phaseflow/types"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 4 << 10

// HTTPConfig configures an HTTPAgent.
type HTTPConfig struct {
	ID           string
	Endpoint     string
	Headers      map[string]string
	Timeout      time.Duration
	Capabilities []string
}

// HTTPAgent posts each task as JSON to a remote endpoint and decodes a
// types.Response from the reply.
type HTTPAgent struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// HTTPStatusError is returned for responses with status >= 400.
type HTTPStatusError struct {
	Agent      string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent %s: status=%d msg=%s", e.Agent, e.StatusCode, e.Body)
}

// NewHTTP creates an HTTPAgent using a TLS-hardened client.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) *HTTPAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPAgent{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "http_agent"), zap.String("agent_id", cfg.ID)),
	}
}

// WithClient replaces the HTTP client.
func (a *HTTPAgent) WithClient(c *http.Client) *HTTPAgent {
	a.client = c
	return a
}

// ID implements types.Agent.
func (a *HTTPAgent) ID() string { return a.cfg.ID }

// Capabilities implements types.Capable.
func (a *HTTPAgent) Capabilities() []string { return a.cfg.Capabilities }

// Execute implements types.Agent.
func (a *HTTPAgent) Execute(ctx context.Context, task types.Task) (*types.Response, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.buildHeaders(ctx, req, task)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s request failed: %w", a.cfg.ID, err)
	}
	defer resp.Body.Close()

	a.logger.Debug("agent responded",
		zap.String("session_id", task.SessionID),
		zap.String("phase", task.Phase),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return nil, &HTTPStatusError{
			Agent:      a.cfg.ID,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	var out types.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent %s: decode response: %w", a.cfg.ID, err)
	}
	return &out, nil
}

func (a *HTTPAgent) buildHeaders(ctx context.Context, req *http.Request, task types.Task) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if task.SessionID != "" {
		req.Header.Set("X-Session-ID", task.SessionID)
	}
	if task.Phase != "" {
		req.Header.Set("X-Phase", task.Phase)
	}
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(data))
}

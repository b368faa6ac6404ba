package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/phaseflow/internal/definition"
	api "github.com/fyrsmithlabs/phaseflow/internal/http"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/remediation"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

// Client calls the phaseflow HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var msg struct {
			Message string `json:"message"`
		}
		if data, readErr := io.ReadAll(resp.Body); readErr == nil && json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health returns the server health status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Pipelines lists the server's pipeline definitions.
func (c *Client) Pipelines(ctx context.Context) ([]definition.Summary, error) {
	var resp api.PipelinesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/pipelines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pipelines, nil
}

// Submit starts a run and returns its id.
func (c *Client) Submit(ctx context.Context, pipeline, runID string, input orchestrator.Payload) (string, error) {
	var resp api.SubmitRunResponse
	req := api.SubmitRunRequest{Pipeline: pipeline, RunID: runID, Input: input}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Run fetches one run.
func (c *Client) Run(ctx context.Context, runID string) (runs.Run, error) {
	var run runs.Run
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &run)
	return run, err
}

// Runs lists all runs.
func (c *Client) Runs(ctx context.Context) ([]runs.Run, error) {
	var resp api.RunsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Cancel stops a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Artifact fetches the artifact of a run's phase.
func (c *Client) Artifact(ctx context.Context, runID, phase string) (*orchestrator.Artifact, error) {
	var a orchestrator.Artifact
	path := fmt.Sprintf("/api/v1/runs/%s/artifacts/%s", url.PathEscape(runID), url.PathEscape(phase))
	if err := c.do(ctx, http.MethodGet, path, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Pending lists fix requests waiting for acknowledgment.
func (c *Client) Pending(ctx context.Context) ([]remediation.Pending, error) {
	var resp api.RemediationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/remediations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Acknowledge releases the pending fix request of a task.
func (c *Client) Acknowledge(ctx context.Context, runID, phase, taskID, note string) error {
	path := fmt.Sprintf("/api/v1/remediations/%s/%s/%s/ack", url.PathEscape(runID), url.PathEscape(phase), url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, path, api.AcknowledgeRequest{Note: note}, nil)
}

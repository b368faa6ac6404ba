package http

import (
	"github.com/fyrsmithlabs/phaseflow/internal/definition"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/remediation"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// PipelinesResponse is the response body for GET /api/v1/pipelines.
type PipelinesResponse struct {
	Pipelines []definition.Summary `json:"pipelines"`
}

// SubmitRunRequest is the request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	Pipeline string               `json:"pipeline"`
	RunID    string               `json:"run_id,omitempty"`
	Input    orchestrator.Payload `json:"input,omitempty"`
}

// SubmitRunResponse is the response body for POST /api/v1/runs.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []runs.Run `json:"runs"`
}

// RemediationsResponse is the response body for GET /api/v1/remediations.
type RemediationsResponse struct {
	Pending []remediation.Pending `json:"pending"`
}

// AcknowledgeRequest is the optional body of an acknowledgment.
type AcknowledgeRequest struct {
	Note string `json:"note"`
}

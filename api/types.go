package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/masstock/masstock/store"
)

// Reference image admission limits.
const (
	MaxReferenceImages    = 8
	MaxReferenceImageSize = 10 << 20 // 10 MiB decoded
)

// Pagination limits for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ExecuteWorkflowRequest is the body of POST /workflows/:workflow_id/execute.
// Input is the workflow-type-specific payload, stored opaque and validated
// per type on admission.
type ExecuteWorkflowRequest struct {
	Input           json.RawMessage  `json:"input" validate:"required"`
	ReferenceImages []ReferenceImage `json:"reference_images" validate:"omitempty,dive"`
}

// ReferenceImage is an inline, base64-encoded reference upload.
type ReferenceImage struct {
	Data     string `json:"data" validate:"required"`
	MimeType string `json:"mime_type" validate:"required,oneof=image/png image/jpeg image/webp"`
}

// ExecuteWorkflowResponse acknowledges an accepted execution.
type ExecuteWorkflowResponse struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Status      string    `json:"status"`
}

// ExecutionResponse is the client view of an execution.
type ExecutionResponse struct {
	ID              uuid.UUID       `json:"id"`
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	TotalBatches    int             `json:"total_batches"`
	RetryCount      int             `json:"retry_count"`
	OutputSummary   json.RawMessage `json:"output_summary,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toExecutionResponse(e store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:              e.ID,
		WorkflowID:      e.WorkflowID,
		Status:          e.Status,
		Progress:        e.Progress,
		TotalBatches:    e.TotalBatches,
		RetryCount:      e.RetryCount,
		OutputSummary:   e.OutputSummary,
		ErrorMessage:    e.ErrorMessage,
		DurationSeconds: e.DurationSeconds,
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
	}
}

// ExecutionListResponse is a page of executions. Executions holds full
// ExecutionResponse values, or field-projected rows when the request named a
// fields selection.
type ExecutionListResponse struct {
	Executions any `json:"executions"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// BatchResultResponse is the client view of one batch.
type BatchResultResponse struct {
	BatchIndex   int     `json:"batch_index"`
	Status       string  `json:"status"`
	Prompt       string  `json:"prompt,omitempty"`
	ImageURL     *string `json:"image_url,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	ProcessingMS int64   `json:"processing_ms"`
}

// WorkflowResponse is the client view of a workflow.
type WorkflowResponse struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Model     string          `json:"model"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

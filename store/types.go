// Package store is the Postgres persistence layer: workflows, executions,
// per-batch results and client credentials. Every read goes through a Scope
// so tenant isolation is enforced in SQL, not in handlers.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the row does not exist or is outside the caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means a status transition outside the execution
	// lifecycle was attempted.
	ErrInvalidState = errors.New("invalid execution state transition")
	// ErrAlreadyTerminal means the row already reached a terminal status and
	// the write was discarded. Callers treating writes as idempotent may
	// ignore it.
	ErrAlreadyTerminal = errors.New("already in terminal state")
)

// Execution lifecycle. Transitions: pending -> processing -> completed|failed.
// Terminal statuses never change again.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Workflow types supported by the execution engine.
const (
	TypeNanoBanana     = "nano_banana"
	TypeStandard       = "standard"
	TypeSmartResizer   = "smart_resizer"
	TypeRoomRedesigner = "room_redesigner"
)

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Workflow is a reusable generation template owned by a client.
type Workflow struct {
	ID        uuid.UUID       `json:"id"`
	ClientID  uuid.UUID       `json:"client_id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Model     string          `json:"model"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Execution is one run of a workflow over a set of inputs.
type Execution struct {
	ID              uuid.UUID       `json:"id"`
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	ClientID        uuid.UUID       `json:"client_id"`
	UserID          uuid.UUID       `json:"user_id"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	TotalBatches    int             `json:"total_batches"`
	RetryCount      int             `json:"retry_count"`
	InputData       json.RawMessage `json:"input_data"`
	OutputSummary   json.RawMessage `json:"output_summary,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// BatchResult is the outcome of one generation task within an execution.
// Rows are pre-created as pending when processing starts; each row is written
// to a terminal status exactly once.
type BatchResult struct {
	ID           uuid.UUID `json:"id"`
	ExecutionID  uuid.UUID `json:"execution_id"`
	BatchIndex   int       `json:"batch_index"`
	Status       string    `json:"status"`
	Prompt       string    `json:"prompt,omitempty"`
	ImageURL     *string   `json:"image_url,omitempty"`
	StoragePath  *string   `json:"storage_path,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	ErrorKind    *string   `json:"error_kind,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	ProcessingMS int64     `json:"processing_ms"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BatchSeed is the identity of a batch row created ahead of processing.
type BatchSeed struct {
	BatchIndex int
	Prompt     string
}

// ClientCredential is a client's own provider API key, encrypted at rest.
type ClientCredential struct {
	ClientID   uuid.UUID
	Provider   string
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExecutionFilter narrows ListExecutions. From and To bound created_at,
// inclusive on both ends.
type ExecutionFilter struct {
	WorkflowID *uuid.UUID
	UserID     *uuid.UUID
	Status     *string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Scope restricts queries to what the caller may see. ClientScope pins rows
// to one client; AdminScope sees everything.
type Scope struct {
	ClientID uuid.UUID
	Admin    bool
}

// ClientScope scopes queries to a single client.
func ClientScope(clientID uuid.UUID) Scope {
	return Scope{ClientID: clientID}
}

// AdminScope sees all clients' rows.
func AdminScope() Scope {
	return Scope{Admin: true}
}

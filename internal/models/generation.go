package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation statuses.
const (
	GenerationStatusQueued    = "queued"
	GenerationStatusRunning   = "running"
	GenerationStatusCompleted = "completed"
	GenerationStatusFailed    = "failed"
)

// Generation is one AI generation job. RequestID doubles as the idempotency
// key of the credit reservation backing the job.
type Generation struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	RequestID     string          `json:"request_id"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Cost          int64           `json:"cost"`
	InputPayload  json.RawMessage `json:"input_payload"`
	OutputPayload json.RawMessage `json:"output_payload,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

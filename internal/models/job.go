package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PdfJob statuses.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// PdfJob is a document-retrieval and scoring work item. State transitions are
// keyed by JobID so redelivered messages touch only their own row.
type PdfJob struct {
	JobID         uuid.UUID `json:"job_id"`
	OpportunityID string    `json:"opportunity_id"`
	Source        string    `json:"source"`
	Title         string    `json:"title"`
	DetailURL     string    `json:"detail_url"`
	DocumentURLs  []string  `json:"document_urls"`
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Task types and statuses.
const (
	TaskSyncSource = "sync_source"

	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is a row of the durable work queue drained by the task scheduler.
type Task struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SyncTaskPayload is the payload of a sync_source task.
type SyncTaskPayload struct {
	SourceID    string `json:"source_id,omitempty"`
	URLOverride string `json:"url_override,omitempty"`
	MaxNotices  int    `json:"max_notices,omitempty"`
}

package domain

import "time"

type InvoiceStatus string

const (
	StatusProcessing        InvoiceStatus = "processing"
	StatusWaitingValidation InvoiceStatus = "waiting_validation"
	StatusProcessed         InvoiceStatus = "processed"
	StatusRejected          InvoiceStatus = "rejected"
	StatusFailed            InvoiceStatus = "failed"
	StatusDuplicated        InvoiceStatus = "duplicated"
)

// Fields holds the structured data extracted from an invoice document.
type Fields map[string]any

type Invoice struct {
	ID            string        `json:"id"`
	Filename      string        `json:"filename"`
	StoragePath   string        `json:"storage_path"`
	Status        InvoiceStatus `json:"status"`
	PreviewData   Fields        `json:"preview_data,omitempty"`
	FinalData     Fields        `json:"final_data,omitempty"`
	AgentResponse string        `json:"agent_response,omitempty"`
	TenantID      string        `json:"tenant_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type EventKind string

const (
	EventProcessingQueued     EventKind = "processing_queued"
	EventProcessingStarted    EventKind = "processing_started"
	EventExtractionCompleted  EventKind = "extraction_completed"
	EventStructuringCompleted EventKind = "structuring_completed"
	EventProcessingFailed     EventKind = "processing_failed"
	EventConfirmed            EventKind = "confirmed"
	EventRejected             EventKind = "rejected"
	EventRetryRequested       EventKind = "retry_requested"
	EventPreviewUpdated       EventKind = "preview_updated"
	EventDuplicateDetected    EventKind = "duplicate_detected"
	EventStatusChanged        EventKind = "status_changed"
)

type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// InvoiceEvent is an append-only lifecycle record. Events are diagnostic,
// never authoritative state; duplicates across job re-runs are acceptable.
type InvoiceEvent struct {
	ID        string         `json:"id"`
	InvoiceID string         `json:"invoice_id"`
	Kind      EventKind      `json:"kind"`
	Level     EventLevel     `json:"level"`
	Detail    string         `json:"detail,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Template references a structured-extraction prompt, optionally
// tenant-specific. Owned by the template store; read-only to the core.
type Template struct {
	TenantID    string `yaml:"-"`
	Version     int    `yaml:"version"`
	Model       string `yaml:"model,omitempty"`
	Description string `yaml:"description,omitempty"`
	Body        string `yaml:"-"`
}

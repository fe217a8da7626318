package domain

import "time"

// PipelineJob is one asynchronous execution request for one invoice.
// RejectionContext carries prior rejection/failure detail to bias
// re-processing; it is empty for first runs.
type PipelineJob struct {
	InvoiceID        string    `json:"invoice_id"`
	RejectionContext string    `json:"rejection_context,omitempty"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

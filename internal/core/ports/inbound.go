package ports

import (
	"context"
	"io"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// InvoiceIntake is the inbound contract for upload classification and
// invoice creation.
type InvoiceIntake interface {
	Upload(ctx context.Context, tenantID, filename string, body io.Reader) (*domain.Invoice, error)
}

// InvoicePipeline is the inbound contract for asynchronous invoice processing.
type InvoicePipeline interface {
	ProcessInvoice(ctx context.Context, invoiceID, rejectionContext string) error
}

// InvoiceActions covers the manual operations: correcting extracted fields,
// confirming or rejecting them, and re-entering the pipeline.
type InvoiceActions interface {
	Confirm(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	Reject(ctx context.Context, invoiceID, reason string) (*domain.Invoice, error)
	Retry(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	UpdatePreview(ctx context.Context, invoiceID string, preview domain.Fields) (*domain.Invoice, error)
}

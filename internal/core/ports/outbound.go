package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// InvoiceStore is the row-level persistence contract. The same interface is
// implemented by the plain repository and by its transaction-scoped variant
// handed out by UnitOfWork.
type InvoiceStore interface {
	Create(ctx context.Context, inv *domain.Invoice) error
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	// GetForUpdate loads a row with SELECT ... FOR UPDATE semantics. Outside
	// a transaction it degrades to a plain read.
	GetForUpdate(ctx context.Context, id string) (*domain.Invoice, error)
	UpdateStatus(ctx context.Context, id string, status domain.InvoiceStatus) error
	SavePreview(ctx context.Context, id string, preview domain.Fields, agentResponse string) error
	SaveFinal(ctx context.Context, id string, final domain.Fields) error
	AppendEvent(ctx context.Context, ev *domain.InvoiceEvent) error
	LastEventDetail(ctx context.Context, invoiceID string, kinds ...domain.EventKind) (string, error)
}

// InvoiceReadModel serves the query side: listings, summaries, export.
type InvoiceReadModel interface {
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	List(ctx context.Context, tenantID string, status domain.InvoiceStatus, limit, offset int) ([]domain.Invoice, error)
	ListFilenames(ctx context.Context, tenantID string) ([]string, error)
	CountByStatus(ctx context.Context, tenantID string) (map[domain.InvoiceStatus]int, error)
	// CountByDay buckets invoices of one status by creation date over the
	// inclusive [from, to] range. Keys use the 2006-01-02 layout; days
	// without invoices are absent and left to the caller to zero-fill.
	CountByDay(ctx context.Context, tenantID string, status domain.InvoiceStatus, from, to time.Time) (map[string]int, error)
	ListEvents(ctx context.Context, invoiceID string) ([]domain.InvoiceEvent, error)
}

// TxScope is handed to the function run inside a unit of work. Mutations go
// through Store; notifications queued here are delivered best-effort only
// after the transaction commits.
type TxScope interface {
	Store() InvoiceStore
	QueueNotification(channel string, payload any)
}

// UnitOfWork runs fn inside one transaction. Any error rolls back every
// mutation in the scope before propagating; queued notifications are then
// discarded.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, tx TxScope) error) error
}

// ObjectStorage stores source invoice documents. The pipeline reads stored
// documents by the path Save returns, so no read method is exposed here.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) bool
}

// JobQueue carries pipeline jobs with at-least-once delivery.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.PipelineJob) error
	Subscribe(ctx context.Context, handler func(context.Context, domain.PipelineJob) error) error
}

// Notifier publishes invoice change events. Fire-and-forget from the
// core's perspective.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// TextExtractor turns a stored document into raw text.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// StructuredExtractor turns raw text into named invoice fields plus the raw
// diagnostic model response.
type StructuredExtractor interface {
	ExtractFields(ctx context.Context, text string, tpl *domain.Template, rejectionContext string) (domain.Fields, string, error)
}

// TemplateResolver resolves the active extraction template for a tenant.
// A nil template with nil error means "no tenant template, use the default".
type TemplateResolver interface {
	ResolveDefault(ctx context.Context, tenantID string) (*domain.Template, error)
}

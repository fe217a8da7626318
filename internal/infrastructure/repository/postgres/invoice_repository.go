package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the same row logic serves both the plain repository and the
// transaction-scoped store handed out by the unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type InvoiceRepository struct {
	db *sql.DB
	invoiceStore
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db: db,
		// Row locks are meaningless outside a transaction, so the plain
		// repository never asks for them.
		invoiceStore: invoiceStore{q: db, locking: false},
	}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *InvoiceRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026052101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	storage_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	preview_data JSONB,
	final_data JSONB,
	agent_response TEXT,
	tenant_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
CREATE INDEX IF NOT EXISTS idx_invoices_tenant ON invoices(tenant_id);
CREATE INDEX IF NOT EXISTS idx_invoices_filename_lower ON invoices(LOWER(filename));

CREATE TABLE IF NOT EXISTS invoice_events (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	kind TEXT NOT NULL,
	level TEXT NOT NULL,
	detail TEXT,
	extra JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoice_events_invoice ON invoice_events(invoice_id, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// invoiceStore implements ports.InvoiceStore over a querier. locking
// controls whether GetForUpdate emits FOR UPDATE.
type invoiceStore struct {
	q       querier
	locking bool
}

const invoiceColumns = `id, filename, storage_path, status, preview_data, final_data, agent_response, tenant_id, created_at, updated_at`

func (s invoiceStore) Create(ctx context.Context, inv *domain.Invoice) error {
	preview, final, err := marshalFields(inv.PreviewData, inv.FinalData)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
INSERT INTO invoices (`+invoiceColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		inv.ID, inv.Filename, inv.StoragePath, string(inv.Status), preview, final,
		nullIfEmpty(inv.AgentResponse), nullIfEmpty(inv.TenantID), inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert invoice", err)
	}
	return nil
}

func (s invoiceStore) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.get(ctx, id, false)
}

func (s invoiceStore) GetForUpdate(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.get(ctx, id, s.locking)
}

func (s invoiceStore) get(ctx context.Context, id string, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := s.q.QueryRowContext(ctx, query, id)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id %s", id))
		}
		return nil, domain.WrapError(domain.ErrPersistence, "scan invoice", err)
	}
	return inv, nil
}

func (s invoiceStore) UpdateStatus(ctx context.Context, id string, status domain.InvoiceStatus) error {
	res, err := s.q.ExecContext(ctx, `
UPDATE invoices SET status = $2, updated_at = $3 WHERE id = $1
`, id, string(status), time.Now().UTC())
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "update invoice status", err)
	}
	return requireRow(res, id)
}

func (s invoiceStore) SavePreview(ctx context.Context, id string, preview domain.Fields, agentResponse string) error {
	data, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("marshal preview data: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
UPDATE invoices SET preview_data = $2, agent_response = $3, updated_at = $4 WHERE id = $1
`, id, data, nullIfEmpty(agentResponse), time.Now().UTC())
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save preview data", err)
	}
	return requireRow(res, id)
}

func (s invoiceStore) SaveFinal(ctx context.Context, id string, final domain.Fields) error {
	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal final data: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
UPDATE invoices SET final_data = $2, updated_at = $3 WHERE id = $1
`, id, data, time.Now().UTC())
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save final data", err)
	}
	return requireRow(res, id)
}

func (s invoiceStore) AppendEvent(ctx context.Context, ev *domain.InvoiceEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var extra []byte
	if len(ev.Extra) > 0 {
		data, err := json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("marshal event extra: %w", err)
		}
		extra = data
	}

	_, err := s.q.ExecContext(ctx, `
INSERT INTO invoice_events (id, invoice_id, kind, level, detail, extra, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, ev.ID, ev.InvoiceID, string(ev.Kind), string(ev.Level), ev.Detail, extra, ev.CreatedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "append invoice event", err)
	}
	return nil
}

func (s invoiceStore) LastEventDetail(ctx context.Context, invoiceID string, kinds ...domain.EventKind) (string, error) {
	if len(kinds) == 0 {
		return "", nil
	}

	placeholders := make([]string, len(kinds))
	args := []any{invoiceID}
	for i, kind := range kinds {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(kind))
	}

	query := `
SELECT detail FROM invoice_events
WHERE invoice_id = $1 AND kind IN (` + strings.Join(placeholders, ",") + `)
ORDER BY created_at DESC
LIMIT 1
`
	var detail sql.NullString
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&detail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", domain.WrapError(domain.ErrPersistence, "load last event detail", err)
	}
	return detail.String, nil
}

// Read model.

func (r *InvoiceRepository) List(ctx context.Context, tenantID string, status domain.InvoiceStatus, limit, offset int) ([]domain.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ($1 = '' OR tenant_id = $1)`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, max(offset, 0))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list invoices", err)
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan invoice row", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (r *InvoiceRepository) ListFilenames(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT filename FROM invoices WHERE ($1 = '' OR tenant_id = $1)
`, tenantID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list filenames", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan filename", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *InvoiceRepository) CountByStatus(ctx context.Context, tenantID string) (map[domain.InvoiceStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM invoices WHERE ($1 = '' OR tenant_id = $1) GROUP BY status
`, tenantID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "count by status", err)
	}
	defer rows.Close()

	counts := make(map[domain.InvoiceStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan status count", err)
		}
		counts[domain.InvoiceStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *InvoiceRepository) CountByDay(ctx context.Context, tenantID string, status domain.InvoiceStatus, from, to time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT created_at::date AS day, COUNT(*)
FROM invoices
WHERE ($1 = '' OR tenant_id = $1) AND status = $2
  AND created_at::date BETWEEN $3 AND $4
GROUP BY day
ORDER BY day
`, tenantID, string(status), from, to)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "count by day", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var day time.Time
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan day count", err)
		}
		counts[day.Format("2006-01-02")] = n
	}
	return counts, rows.Err()
}

func (r *InvoiceRepository) ListEvents(ctx context.Context, invoiceID string) ([]domain.InvoiceEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, invoice_id, kind, level, detail, extra, created_at
FROM invoice_events
WHERE invoice_id = $1
ORDER BY created_at ASC
`, invoiceID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list invoice events", err)
	}
	defer rows.Close()

	var events []domain.InvoiceEvent
	for rows.Next() {
		var (
			ev     domain.InvoiceEvent
			kind   string
			level  string
			detail sql.NullString
			extra  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.InvoiceID, &kind, &level, &detail, &extra, &ev.CreatedAt); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan invoice event", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Level = domain.EventLevel(level)
		ev.Detail = detail.String
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &ev.Extra); err != nil {
				return nil, fmt.Errorf("unmarshal event extra: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv           domain.Invoice
		status        string
		preview       []byte
		final         []byte
		agentResponse sql.NullString
		tenantID      sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.Filename, &inv.StoragePath, &status, &preview, &final,
		&agentResponse, &tenantID, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = domain.InvoiceStatus(status)
	inv.AgentResponse = agentResponse.String
	inv.TenantID = tenantID.String
	if len(preview) > 0 {
		if err := json.Unmarshal(preview, &inv.PreviewData); err != nil {
			return nil, fmt.Errorf("unmarshal preview data: %w", err)
		}
	}
	if len(final) > 0 {
		if err := json.Unmarshal(final, &inv.FinalData); err != nil {
			return nil, fmt.Errorf("unmarshal final data: %w", err)
		}
	}
	return &inv, nil
}

func marshalFields(preview, final domain.Fields) ([]byte, []byte, error) {
	var previewData, finalData []byte
	if preview != nil {
		data, err := json.Marshal(preview)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal preview data: %w", err)
		}
		previewData = data
	}
	if final != nil {
		data, err := json.Marshal(final)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal final data: %w", err)
		}
		finalData = data
	}
	return previewData, finalData, nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "rows affected", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrInvoiceNotFound, "update invoice", fmt.Errorf("id %s", id))
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

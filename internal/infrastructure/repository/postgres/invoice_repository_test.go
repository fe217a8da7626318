package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func newMockRepo(t *testing.T) (*InvoiceRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewInvoiceRepository(db), mock
}

func invoiceRows(inv domain.Invoice) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "filename", "storage_path", "status", "preview_data", "final_data",
		"agent_response", "tenant_id", "created_at", "updated_at",
	}).AddRow(
		inv.ID, inv.Filename, inv.StoragePath, string(inv.Status), []byte(`{"invoice_number":"A-17"}`), nil,
		nil, inv.TenantID, inv.CreatedAt, inv.UpdatedAt,
	)
}

func TestCreateInsertsInvoice(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoices`)).
		WithArgs("inv-1", "invoice.pdf", "/storage/inv-1_invoice.pdf", "processing",
			nil, nil, nil, "acme", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &domain.Invoice{
		ID:          "inv-1",
		Filename:    "invoice.pdf",
		StoragePath: "/storage/inv-1_invoice.pdf",
		Status:      domain.StatusProcessing,
		TenantID:    "acme",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByIDScansInvoice(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`)).
		WithArgs("inv-1").
		WillReturnRows(invoiceRows(domain.Invoice{
			ID: "inv-1", Filename: "invoice.pdf", StoragePath: "/s/p",
			Status: domain.StatusWaitingValidation, TenantID: "acme",
			CreatedAt: now, UpdatedAt: now,
		}))

	inv, err := repo.GetByID(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != domain.StatusWaitingValidation {
		t.Fatalf("unexpected status %s", inv.Status)
	}
	if inv.PreviewData["invoice_number"] != "A-17" {
		t.Fatalf("expected preview data decoded, got %v", inv.PreviewData)
	}
}

func TestGetByIDMissingRowIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "gone")
	if !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestUpdateStatusRequiresExistingRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invoices SET status`)).
		WithArgs("gone", "failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "gone", domain.StatusFailed)
	if !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestLastEventDetailReturnsMostRecentMatch(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT detail FROM invoice_events`).
		WithArgs("inv-1", "rejected", "processing_failed").
		WillReturnRows(sqlmock.NewRows([]string{"detail"}).AddRow("vendor is wrong"))

	detail, err := repo.LastEventDetail(context.Background(), "inv-1",
		domain.EventRejected, domain.EventProcessingFailed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail != "vendor is wrong" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestLastEventDetailNoRowsIsEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT detail FROM invoice_events`).
		WithArgs("inv-1", "rejected").
		WillReturnRows(sqlmock.NewRows([]string{"detail"}))

	detail, err := repo.LastEventDetail(context.Background(), "inv-1", domain.EventRejected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail != "" {
		t.Fatalf("expected empty detail, got %q", detail)
	}
}

func TestCountByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM invoices`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("processed", 12).
			AddRow("failed", 3))

	counts, err := repo.CountByStatus(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[domain.StatusProcessed] != 12 || counts[domain.StatusFailed] != 3 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestCountByDayBucketsByCreationDate(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT created_at::date AS day, COUNT(*)`)).
		WithArgs("acme", "processed", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).
			AddRow(time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), 2).
			AddRow(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), 5))

	counts, err := repo.CountByDay(context.Background(), "acme", domain.StatusProcessed, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts["2026-08-25"] != 2 || counts["2026-08-27"] != 5 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if _, ok := counts["2026-08-26"]; ok {
		t.Fatal("days without invoices must be absent, zero-fill is the caller's job")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM invoices WHERE .+ AND status = \$2`).
		WithArgs("acme", "waiting_validation").
		WillReturnRows(invoiceRows(domain.Invoice{
			ID: "inv-1", Filename: "a.pdf", StoragePath: "/s/a",
			Status: domain.StatusWaitingValidation, TenantID: "acme",
			CreatedAt: now, UpdatedAt: now,
		}))

	out, err := repo.List(context.Background(), "acme", domain.StatusWaitingValidation, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].ID != "inv-1" {
		t.Fatalf("unexpected result %v", out)
	}
}

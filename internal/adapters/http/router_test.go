package httpadapter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/export"
)

type fakeIntake struct {
	uploads []string
}

func (f *fakeIntake) Upload(_ context.Context, tenantID, filename string, _ io.Reader) (*domain.Invoice, error) {
	f.uploads = append(f.uploads, filename)
	decision := domain.ClassifyIntake(filename, nil)
	if decision.Tag == domain.IntakeRejected {
		return nil, domain.WrapError(domain.ErrUnsupportedUpload, "classify upload", errors.New(decision.Reason))
	}
	return &domain.Invoice{
		ID:       "inv-" + filename,
		Filename: filename,
		TenantID: tenantID,
		Status:   domain.StatusProcessing,
	}, nil
}

type fakeActions struct {
	confirmErr  error
	lastReason  string
	lastPreview domain.Fields
}

func (f *fakeActions) Confirm(_ context.Context, id string) (*domain.Invoice, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &domain.Invoice{ID: id, Status: domain.StatusProcessed}, nil
}

func (f *fakeActions) Reject(_ context.Context, id, reason string) (*domain.Invoice, error) {
	f.lastReason = reason
	return &domain.Invoice{ID: id, Status: domain.StatusRejected}, nil
}

func (f *fakeActions) Retry(_ context.Context, id string) (*domain.Invoice, error) {
	return &domain.Invoice{ID: id, Status: domain.StatusProcessing}, nil
}

func (f *fakeActions) UpdatePreview(_ context.Context, id string, preview domain.Fields) (*domain.Invoice, error) {
	f.lastPreview = preview
	return &domain.Invoice{ID: id, Status: domain.StatusWaitingValidation, PreviewData: preview}, nil
}

type fakeReads struct {
	invoices  map[string]*domain.Invoice
	dayCounts map[string]int

	gotTrendStatus domain.InvoiceStatus
}

func (f *fakeReads) GetByID(_ context.Context, id string) (*domain.Invoice, error) {
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id %s", id))
}

func (f *fakeReads) List(context.Context, string, domain.InvoiceStatus, int, int) ([]domain.Invoice, error) {
	var out []domain.Invoice
	for _, inv := range f.invoices {
		out = append(out, *inv)
	}
	return out, nil
}

func (f *fakeReads) ListFilenames(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeReads) CountByStatus(context.Context, string) (map[domain.InvoiceStatus]int, error) {
	return map[domain.InvoiceStatus]int{domain.StatusProcessed: 2, domain.StatusFailed: 1}, nil
}

func (f *fakeReads) CountByDay(_ context.Context, _ string, status domain.InvoiceStatus, _, _ time.Time) (map[string]int, error) {
	f.gotTrendStatus = status
	return f.dayCounts, nil
}

func (f *fakeReads) ListEvents(_ context.Context, id string) ([]domain.InvoiceEvent, error) {
	return []domain.InvoiceEvent{{InvoiceID: id, Kind: domain.EventProcessingQueued}}, nil
}

func newTestRouter(actions *fakeActions, reads *fakeReads) (*Router, *fakeIntake) {
	intake := &fakeIntake{}
	if reads == nil {
		reads = &fakeReads{invoices: map[string]*domain.Invoice{}}
	}
	return NewRouter(intake, actions, reads, export.NewService(reads, nil), nil), intake
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadSingleDocumentAccepted(t *testing.T) {
	router, intake := newTestRouter(&fakeActions{}, nil)
	body, contentType := multipartUpload(t, "invoice.pdf", []byte("%PDF-1.7"))

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var result uploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Decision != "accepted" || result.Invoice == nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(intake.uploads) != 1 {
		t.Fatalf("expected one intake call, got %d", len(intake.uploads))
	}
}

func TestUploadUnsupportedExtensionIsUnprocessable(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)
	body, contentType := multipartUpload(t, "notes.docx", []byte("text"))

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUploadZipFansOutPerEntry(t *testing.T) {
	router, intake := newTestRouter(&fakeActions{}, nil)

	archiveBuf := &bytes.Buffer{}
	zw := zip.NewWriter(archiveBuf)
	for _, name := range []string{"a.pdf", "b.png", "readme.txt"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte("data")); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	body, contentType := multipartUpload(t, "batch.zip", archiveBuf.Bytes())
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Results []uploadResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Results) != 3 {
		t.Fatalf("expected 3 per-entry results, got %d", len(response.Results))
	}

	decisions := map[string]string{}
	for _, r := range response.Results {
		decisions[r.Filename] = r.Decision
	}
	if decisions["a.pdf"] != "accepted" || decisions["b.png"] != "accepted" {
		t.Fatalf("expected pdf and png accepted, got %v", decisions)
	}
	if decisions["readme.txt"] != "rejected" {
		t.Fatalf("expected txt entry rejected, got %v", decisions)
	}
	if len(intake.uploads) != 3 {
		t.Fatalf("expected 3 intake calls, got %d", len(intake.uploads))
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/ghost", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConfirmInvalidTransitionIsConflict(t *testing.T) {
	actions := &fakeActions{
		confirmErr: &domain.InvalidTransitionError{From: domain.StatusProcessing, To: domain.StatusProcessed},
	}
	router, _ := newTestRouter(actions, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/inv-1/confirm", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRejectForwardsReason(t *testing.T) {
	actions := &fakeActions{}
	router, _ := newTestRouter(actions, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/inv-1/reject",
		strings.NewReader(`{"reason":"vendor mismatch"}`))
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if actions.lastReason != "vendor mismatch" {
		t.Fatalf("expected reason forwarded, got %q", actions.lastReason)
	}
}

func TestUpdatePreviewForwardsCorrectedFields(t *testing.T) {
	actions := &fakeActions{}
	router, _ := newTestRouter(actions, nil)

	req := httptest.NewRequest(http.MethodPatch, "/v1/invoices/inv-1/preview",
		strings.NewReader(`{"preview_data":{"invoice_number":"A-18","amount_total":7.5}}`))
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if actions.lastPreview["invoice_number"] != "A-18" {
		t.Fatalf("expected corrected fields forwarded, got %v", actions.lastPreview)
	}
}

func TestUpdatePreviewRequiresBody(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodPatch, "/v1/invoices/inv-1/preview",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing preview_data, got %d", rec.Code)
	}
}

func TestUpdatePreviewRejectsNonPatch(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/inv-1/preview",
		strings.NewReader(`{"preview_data":{"a":1}}`))
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestTrendsZeroFillDaysWithoutInvoices(t *testing.T) {
	today := time.Now().UTC().Truncate(24 * time.Hour).Format("2006-01-02")
	reads := &fakeReads{
		invoices:  map[string]*domain.Invoice{},
		dayCounts: map[string]int{today: 4},
	}
	router, _ := newTestRouter(&fakeActions{}, reads)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/trends?days=3", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reads.gotTrendStatus != domain.StatusProcessed {
		t.Fatalf("trends must default to processed, queried %q", reads.gotTrendStatus)
	}

	var response struct {
		TrendData []struct {
			Date  string `json:"date"`
			Count int    `json:"count"`
		} `json:"trend_data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.TrendData) != 3 {
		t.Fatalf("expected 3 zero-filled days, got %d", len(response.TrendData))
	}
	last := response.TrendData[len(response.TrendData)-1]
	if last.Date != today || last.Count != 4 {
		t.Fatalf("expected today's count last, got %+v", last)
	}
	for _, point := range response.TrendData[:len(response.TrendData)-1] {
		if point.Count != 0 {
			t.Fatalf("expected empty days zero-filled, got %+v", point)
		}
	}
}

func TestTrendsRejectsUnknownStatus(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/trends?status=archived", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListRejectsUnknownStatusFilter(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices?status=archived", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusSummary(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/summary", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var response struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Counts["processed"] != 2 || response.Counts["failed"] != 1 {
		t.Fatalf("unexpected summary %v", response.Counts)
	}
}

func TestListEvents(t *testing.T) {
	router, _ := newTestRouter(&fakeActions{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/inv-1/events", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "processing_queued") {
		t.Fatalf("expected events payload, got %s", rec.Body.String())
	}
}

func TestExportServesWorkbook(t *testing.T) {
	reads := &fakeReads{invoices: map[string]*domain.Invoice{}}
	router, _ := newTestRouter(&fakeActions{}, reads)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/export", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "spreadsheetml") {
		t.Fatalf("unexpected content type %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected workbook bytes")
	}
}

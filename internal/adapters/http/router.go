package httpadapter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/export"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

const (
	serviceName     = "invoice-api"
	defaultPageSize = 50
	maxPageSize     = 200

	defaultTrendDays = 7
	maxTrendDays     = 365
)

type Router struct {
	intake  ports.InvoiceIntake
	actions ports.InvoiceActions
	reads   ports.InvoiceReadModel
	export  *export.Service
	metrics *metrics.HTTPServerMetrics
}

func NewRouter(
	intake ports.InvoiceIntake,
	actions ports.InvoiceActions,
	reads ports.InvoiceReadModel,
	exporter *export.Service,
	m *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		intake:  intake,
		actions: actions,
		reads:   reads,
		export:  exporter,
		metrics: m,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/invoices", rt.invoicesCollection)
	mux.HandleFunc("/v1/invoices/summary", rt.statusSummary)
	mux.HandleFunc("/v1/invoices/trends", rt.statusTrends)
	mux.HandleFunc("/v1/invoices/export", rt.exportProcessed)
	mux.HandleFunc("/v1/invoices/", rt.invoiceItem)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// invoicesCollection serves POST (upload) and GET (listing) on /v1/invoices.
func (rt *Router) invoicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.uploadInvoices(w, r)
	case http.MethodGet:
		rt.listInvoices(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (rt *Router) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.InvoiceStatus(q.Get("status"))
	if status != "" && !domain.ValidStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status filter"})
		return
	}

	limit := intQueryParam(q.Get("limit"), defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := intQueryParam(q.Get("offset"), 0)

	invoices, err := rt.reads.List(r.Context(), q.Get("tenant_id"), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (rt *Router) statusSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	counts, err := rt.reads.CountByStatus(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	summary := make(map[string]int, len(counts))
	for status, n := range counts {
		summary[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": summary})
}

// statusTrends serves time-bucketed counts of one status over a day range,
// zero-filling days without invoices so charts get a continuous axis.
func (rt *Router) statusTrends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	q := r.URL.Query()
	status := domain.InvoiceStatus(q.Get("status"))
	if status == "" {
		status = domain.StatusProcessed
	}
	if !domain.ValidStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status filter"})
		return
	}

	days := intQueryParam(q.Get("days"), defaultTrendDays)
	if days < 1 {
		days = defaultTrendDays
	}
	if days > maxTrendDays {
		days = maxTrendDays
	}
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -(days - 1))

	counts, err := rt.reads.CountByDay(r.Context(), q.Get("tenant_id"), status, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	type trendPoint struct {
		Date  string `json:"date"`
		Count int    `json:"count"`
	}
	points := make([]trendPoint, 0, days)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		points = append(points, trendPoint{Date: key, Count: counts[key]})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trend_data": points,
		"status":     status,
		"start_date": from.Format("2006-01-02"),
		"end_date":   to.Format("2006-01-02"),
	})
}

func (rt *Router) exportProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	data, err := rt.export.ExportProcessedXLSX(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordExport(serviceName)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="invoices.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// invoiceItem dispatches /v1/invoices/{id} and its action sub-routes.
func (rt *Router) invoiceItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/invoices/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoice id is required"})
		return
	}

	switch action {
	case "":
		rt.getInvoice(w, r, id)
	case "events":
		rt.listEvents(w, r, id)
	case "preview":
		rt.updatePreview(w, r, id)
	case "confirm", "reject", "retry":
		rt.invoiceAction(w, r, id, action)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
	}
}

func (rt *Router) getInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	inv, err := rt.reads.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (rt *Router) listEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	events, err := rt.reads.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// updatePreview lets a reviewer correct extracted fields before confirming.
func (rt *Router) updatePreview(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		PreviewData domain.Fields `json:"preview_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.PreviewData) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "preview_data object is required"})
		return
	}

	inv, err := rt.actions.UpdatePreview(r.Context(), id, req.PreviewData)
	if rt.metrics != nil {
		rt.metrics.RecordAction(serviceName, "preview_update", err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (rt *Router) invoiceAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var (
		inv *domain.Invoice
		err error
	)
	switch action {
	case "confirm":
		inv, err = rt.actions.Confirm(r.Context(), id)
	case "reject":
		var req struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
				return
			}
		}
		inv, err = rt.actions.Reject(r.Context(), id, strings.TrimSpace(req.Reason))
	case "retry":
		inv, err = rt.actions.Retry(r.Context(), id)
	}

	if rt.metrics != nil {
		rt.metrics.RecordAction(serviceName, action, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func intQueryParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// memStore is an in-memory ports.InvoiceStore shared by the use case tests.
type memStore struct {
	mu       sync.Mutex
	invoices map[string]*domain.Invoice
	events   []domain.InvoiceEvent
}

func newMemStore(invoices ...*domain.Invoice) *memStore {
	s := &memStore{invoices: make(map[string]*domain.Invoice)}
	for _, inv := range invoices {
		clone := *inv
		s.invoices[inv.ID] = &clone
	}
	return s
}

func (s *memStore) Create(_ context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *inv
	s.invoices[inv.ID] = &clone
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id %s", id))
	}
	clone := *inv
	return &clone, nil
}

func (s *memStore) GetForUpdate(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.GetByID(ctx, id)
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status domain.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.WrapError(domain.ErrInvoiceNotFound, "update invoice", fmt.Errorf("id %s", id))
	}
	inv.Status = status
	return nil
}

func (s *memStore) SavePreview(_ context.Context, id string, preview domain.Fields, agentResponse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.WrapError(domain.ErrInvoiceNotFound, "save preview", fmt.Errorf("id %s", id))
	}
	inv.PreviewData = preview
	inv.AgentResponse = agentResponse
	return nil
}

func (s *memStore) SaveFinal(_ context.Context, id string, final domain.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.WrapError(domain.ErrInvoiceNotFound, "save final", fmt.Errorf("id %s", id))
	}
	inv.FinalData = final
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, ev *domain.InvoiceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) LastEventDetail(_ context.Context, invoiceID string, kinds ...domain.EventKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.InvoiceID != invoiceID {
			continue
		}
		for _, kind := range kinds {
			if ev.Kind == kind {
				return ev.Detail, nil
			}
		}
	}
	return "", nil
}

func (s *memStore) eventKinds(invoiceID string) []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []domain.EventKind
	for _, ev := range s.events {
		if ev.InvoiceID == invoiceID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func (s *memStore) status(id string) domain.InvoiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invoices[id]; ok {
		return inv.Status
	}
	return ""
}

type capturedNotification struct {
	channel string
	payload any
}

// memUOW mimics the transactional scope: notifications queued in a scope are
// published only when the scoped function returns nil.
type memUOW struct {
	store     *memStore
	published []capturedNotification
}

type memTxScope struct {
	store   *memStore
	pending []capturedNotification
}

func (u *memUOW) Within(ctx context.Context, fn func(ctx context.Context, tx ports.TxScope) error) error {
	scope := &memTxScope{store: u.store}
	if err := fn(ctx, scope); err != nil {
		return err
	}
	u.published = append(u.published, scope.pending...)
	return nil
}

func (t *memTxScope) Store() ports.InvoiceStore { return t.store }

func (t *memTxScope) QueueNotification(channel string, payload any) {
	t.pending = append(t.pending, capturedNotification{channel: channel, payload: payload})
}

type memStorage struct {
	mu      sync.Mutex
	present map[string]bool
}

func newMemStorage() *memStorage {
	return &memStorage{present: make(map[string]bool)}
}

func (s *memStorage) Save(_ context.Context, key string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	path := "/storage/" + key
	s.mu.Lock()
	s.present[path] = true
	s.mu.Unlock()
	return path, nil
}

func (s *memStorage) Exists(_ context.Context, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[path]
}

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.PipelineJob
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, job domain.PipelineJob) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *memQueue) Subscribe(context.Context, func(context.Context, domain.PipelineJob) error) error {
	return nil
}

type stubExtractor struct {
	text string
	err  error
}

func (e stubExtractor) Extract(context.Context, string) (string, error) {
	return e.text, e.err
}

type stubStructurer struct {
	fields domain.Fields
	raw    string
	err    error

	gotText    string
	gotContext string
	gotTpl     *domain.Template
}

func (s *stubStructurer) ExtractFields(_ context.Context, text string, tpl *domain.Template, rejectionContext string) (domain.Fields, string, error) {
	s.gotText = text
	s.gotContext = rejectionContext
	s.gotTpl = tpl
	return s.fields, s.raw, s.err
}

type stubTemplates struct {
	tpl *domain.Template
	err error
}

func (s stubTemplates) ResolveDefault(context.Context, string) (*domain.Template, error) {
	return s.tpl, s.err
}

// memReads adapts memStore to the read-model port surface the intake use
// case needs.
type memReads struct {
	store     *memStore
	filenames []string
}

func (r *memReads) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return r.store.GetByID(ctx, id)
}

func (r *memReads) List(context.Context, string, domain.InvoiceStatus, int, int) ([]domain.Invoice, error) {
	return nil, nil
}

func (r *memReads) ListFilenames(context.Context, string) ([]string, error) {
	return r.filenames, nil
}

func (r *memReads) CountByStatus(context.Context, string) (map[domain.InvoiceStatus]int, error) {
	return nil, nil
}

func (r *memReads) CountByDay(context.Context, string, domain.InvoiceStatus, time.Time, time.Time) (map[string]int, error) {
	return nil, nil
}

func (r *memReads) ListEvents(context.Context, string) ([]domain.InvoiceEvent, error) {
	return nil, nil
}

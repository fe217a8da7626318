package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// IntakeUseCase classifies an upload (accepted / duplicate / rejected) and
// applies side effects for the chosen tag: file save, row insert, job
// enqueue. Classification itself is pure and lives in domain.ClassifyIntake.
type IntakeUseCase struct {
	reads   ports.InvoiceReadModel
	uow     ports.UnitOfWork
	storage ports.ObjectStorage
	queue   ports.JobQueue
	logger  *slog.Logger
}

func NewIntakeUseCase(
	reads ports.InvoiceReadModel,
	uow ports.UnitOfWork,
	storage ports.ObjectStorage,
	queue ports.JobQueue,
	logger *slog.Logger,
) *IntakeUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeUseCase{reads: reads, uow: uow, storage: storage, queue: queue, logger: logger}
}

func (uc *IntakeUseCase) Upload(ctx context.Context, tenantID, filename string, body io.Reader) (*domain.Invoice, error) {
	existing, err := uc.reads.ListFilenames(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list existing filenames: %w", err)
	}

	decision := domain.ClassifyIntake(filename, existing)
	switch decision.Tag {
	case domain.IntakeRejected:
		return nil, domain.WrapError(domain.ErrUnsupportedUpload, "classify upload", fmt.Errorf("%s", decision.Reason))
	case domain.IntakeDuplicate:
		return uc.recordDuplicate(ctx, tenantID, decision)
	}
	return uc.accept(ctx, tenantID, decision, body)
}

// recordDuplicate keeps a terminal row for visibility but never enqueues a
// job and never stores the payload.
func (uc *IntakeUseCase) recordDuplicate(ctx context.Context, tenantID string, decision domain.IntakeDecision) (*domain.Invoice, error) {
	now := time.Now().UTC()
	inv := &domain.Invoice{
		ID:        uuid.NewString(),
		Filename:  decision.Filename,
		Status:    domain.StatusDuplicated,
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		if err := tx.Store().Create(ctx, inv); err != nil {
			return fmt.Errorf("create duplicate invoice row: %w", err)
		}
		return tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: inv.ID,
			Kind:      domain.EventDuplicateDetected,
			Level:     domain.LevelWarning,
			Detail:    decision.Reason,
		})
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Warn("intake.duplicate", "invoice_id", inv.ID, "filename", inv.Filename)
	return inv, nil
}

func (uc *IntakeUseCase) accept(ctx context.Context, tenantID string, decision domain.IntakeDecision, body io.Reader) (*domain.Invoice, error) {
	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(decision.Filename))

	path, err := uc.storage.Save(ctx, storageKey, body)
	if err != nil {
		return nil, fmt.Errorf("save uploaded document: %w", err)
	}

	now := time.Now().UTC()
	inv := &domain.Invoice{
		ID:          id,
		Filename:    decision.Filename,
		StoragePath: path,
		Status:      domain.StatusProcessing,
		TenantID:    tenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		if err := tx.Store().Create(ctx, inv); err != nil {
			return fmt.Errorf("create invoice row: %w", err)
		}
		return tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: inv.ID,
			Kind:      domain.EventProcessingQueued,
			Level:     domain.LevelInfo,
			Detail:    "upload accepted, pipeline job queued",
		})
	})
	if err != nil {
		return nil, err
	}

	job := domain.PipelineJob{InvoiceID: inv.ID, EnqueuedAt: now}
	if err := uc.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue pipeline job: %w", err)
	}

	uc.logger.Info("intake.accepted", "invoice_id", inv.ID, "filename", inv.Filename)
	return inv, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document.bin"
	}
	return base
}

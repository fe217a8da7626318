package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const failureDetailMax = 500

// ProcessInvoiceUseCase advances one invoice through the pipeline:
// load -> resolve document -> text extraction -> structured extraction ->
// preview persisted, status waiting_validation. Each step commits in its own
// unit of work, so a crash between steps leaves consistent state behind.
type ProcessInvoiceUseCase struct {
	uow          ports.UnitOfWork
	storage      ports.ObjectStorage
	extractor    ports.TextExtractor
	structurer   ports.StructuredExtractor
	templates    ports.TemplateResolver
	observeStage func(stage string, d time.Duration)
	logger       *slog.Logger
}

func NewProcessInvoiceUseCase(
	uow ports.UnitOfWork,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	structurer ports.StructuredExtractor,
	templates ports.TemplateResolver,
	logger *slog.Logger,
) *ProcessInvoiceUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessInvoiceUseCase{
		uow:        uow,
		storage:    storage,
		extractor:  extractor,
		structurer: structurer,
		templates:  templates,
		logger:     logger,
	}
}

// SetStageObserver registers a callback receiving per-stage durations,
// typically backed by a histogram. A nil callback disables observation.
func (uc *ProcessInvoiceUseCase) SetStageObserver(fn func(stage string, d time.Duration)) {
	uc.observeStage = fn
}

func (uc *ProcessInvoiceUseCase) stage(name string, d time.Duration) {
	if uc.observeStage != nil {
		uc.observeStage(name, d)
	}
}

// ProcessInvoice is safe to run more than once for the same invoice: a job
// for a row that no longer exists or has already moved past processing is a
// silent no-op. Errors are recorded as a processing_failed event and
// re-raised so the queue's retry policy applies.
func (uc *ProcessInvoiceUseCase) ProcessInvoice(ctx context.Context, invoiceID, rejectionContext string) error {
	inv, ok, err := uc.begin(ctx, invoiceID)
	if err != nil {
		return uc.fail(ctx, invoiceID, err)
	}
	if !ok {
		return nil
	}

	if !uc.storage.Exists(ctx, inv.StoragePath) {
		return uc.fail(ctx, invoiceID, domain.WrapError(
			domain.ErrMissingDocument, "resolve document",
			fmt.Errorf("path %q", inv.StoragePath),
		))
	}

	text, err := uc.extractText(ctx, inv)
	if err != nil {
		return uc.fail(ctx, invoiceID, err)
	}

	fields, raw, err := uc.extractFields(ctx, inv, text, rejectionContext)
	if err != nil {
		return uc.fail(ctx, invoiceID, err)
	}

	if err := uc.finishPreview(ctx, inv, fields, raw); err != nil {
		return uc.fail(ctx, invoiceID, err)
	}

	uc.logger.Info("pipeline.invoice.ok", "invoice_id", invoiceID, "fields", len(fields))
	return nil
}

// begin loads the invoice and records processing_started. ok=false means the
// job is stale (row gone or invoice already past processing) and the run
// must stop without error.
func (uc *ProcessInvoiceUseCase) begin(ctx context.Context, invoiceID string) (*domain.Invoice, bool, error) {
	var inv *domain.Invoice
	skip := false

	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		loaded, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			if errors.Is(err, domain.ErrInvoiceNotFound) {
				skip = true
				return nil
			}
			return fmt.Errorf("load invoice: %w", err)
		}

		if loaded.Status != domain.StatusProcessing {
			if trErr := domain.Transition(loaded.Status, domain.StatusProcessing); trErr != nil {
				// Stale or superseded job; final state is already owned
				// by someone else.
				skip = true
				return nil
			}
			if err := tx.Store().UpdateStatus(ctx, invoiceID, domain.StatusProcessing); err != nil {
				return fmt.Errorf("set status=processing: %w", err)
			}
			loaded.Status = domain.StatusProcessing
		}

		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventProcessingStarted,
			Level:     domain.LevelInfo,
			Detail:    "pipeline run started",
		}); err != nil {
			return fmt.Errorf("record processing_started: %w", err)
		}

		inv = loaded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if skip {
		uc.logger.Info("pipeline.invoice.skipped", "invoice_id", invoiceID)
		return nil, false, nil
	}
	return inv, true, nil
}

func (uc *ProcessInvoiceUseCase) extractText(ctx context.Context, inv *domain.Invoice) (string, error) {
	start := time.Now()
	text, err := uc.extractor.Extract(ctx, inv.StoragePath)
	duration := time.Since(start)
	uc.stage("ocr", duration)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	if text == "" {
		return "", domain.WrapError(domain.ErrEmptyExtraction, "extract text", errors.New("engine returned no text"))
	}

	err = uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		return tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: inv.ID,
			Kind:      domain.EventExtractionCompleted,
			Level:     domain.LevelInfo,
			Detail:    fmt.Sprintf("extracted %d chars", len(text)),
			Extra: map[string]any{
				"duration_seconds": duration.Seconds(),
				"chars":            len(text),
			},
		})
	})
	if err != nil {
		return "", fmt.Errorf("record extraction_completed: %w", err)
	}
	return text, nil
}

func (uc *ProcessInvoiceUseCase) extractFields(ctx context.Context, inv *domain.Invoice, text, rejectionContext string) (domain.Fields, string, error) {
	tpl, err := uc.templates.ResolveDefault(ctx, inv.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve tenant template: %w", err)
	}

	start := time.Now()
	fields, raw, err := uc.structurer.ExtractFields(ctx, text, tpl, rejectionContext)
	duration := time.Since(start)
	uc.stage("llm", duration)
	if err != nil {
		return nil, "", fmt.Errorf("structured extraction: %w", err)
	}

	err = uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		return tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: inv.ID,
			Kind:      domain.EventStructuringCompleted,
			Level:     domain.LevelInfo,
			Detail:    fmt.Sprintf("structured %d fields", len(fields)),
			Extra: map[string]any{
				"duration_seconds": duration.Seconds(),
				"fields":           len(fields),
			},
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("record structuring_completed: %w", err)
	}
	return fields, raw, nil
}

func (uc *ProcessInvoiceUseCase) finishPreview(ctx context.Context, inv *domain.Invoice, fields domain.Fields, raw string) error {
	return uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		current, err := tx.Store().GetForUpdate(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("reload invoice: %w", err)
		}
		if err := domain.Transition(current.Status, domain.StatusWaitingValidation); err != nil {
			return err
		}
		if err := tx.Store().SavePreview(ctx, inv.ID, fields, raw); err != nil {
			return fmt.Errorf("save preview data: %w", err)
		}
		if err := tx.Store().UpdateStatus(ctx, inv.ID, domain.StatusWaitingValidation); err != nil {
			return fmt.Errorf("set status=waiting_validation: %w", err)
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: inv.ID,
			Kind:      domain.EventStatusChanged,
			Level:     domain.LevelInfo,
			Detail:    "processing -> waiting_validation",
		}); err != nil {
			return err
		}
		tx.QueueNotification(invoiceChannel(inv.ID), statusPayload(inv.ID, domain.StatusWaitingValidation, inv.Filename))
		return nil
	})
}

// fail moves the invoice to failed, records the cause, and re-raises the
// original error so the job framework can apply its retry policy.
func (uc *ProcessInvoiceUseCase) fail(ctx context.Context, invoiceID string, cause error) error {
	uc.logger.Error("pipeline.invoice.failed", "invoice_id", invoiceID, "error", cause)

	markErr := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		current, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusFailed {
			if err := domain.Transition(current.Status, domain.StatusFailed); err != nil {
				return err
			}
			if err := tx.Store().UpdateStatus(ctx, invoiceID, domain.StatusFailed); err != nil {
				return err
			}
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventProcessingFailed,
			Level:     domain.LevelError,
			Detail:    truncateDetail(cause.Error(), failureDetailMax),
		}); err != nil {
			return err
		}
		tx.QueueNotification(invoiceChannel(invoiceID), statusPayload(invoiceID, domain.StatusFailed, current.Filename))
		return nil
	})
	if markErr != nil {
		return fmt.Errorf("%w; mark failed status: %v", cause, markErr)
	}
	return cause
}

func truncateDetail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func invoiceChannel(invoiceID string) string {
	return "invoices." + invoiceID + ".updated"
}

func statusPayload(invoiceID string, status domain.InvoiceStatus, filename string) map[string]any {
	return map[string]any{
		"invoice_id": invoiceID,
		"status":     status,
		"filename":   filename,
	}
}

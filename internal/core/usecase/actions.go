package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// InvoiceActionsUseCase implements the manual confirm/reject/retry
// operations. Every mutation takes a row lock so a concurrently running
// worker cannot interleave with a manual decision on the same invoice.
type InvoiceActionsUseCase struct {
	uow    ports.UnitOfWork
	queue  ports.JobQueue
	logger *slog.Logger
}

func NewInvoiceActionsUseCase(uow ports.UnitOfWork, queue ports.JobQueue, logger *slog.Logger) *InvoiceActionsUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceActionsUseCase{uow: uow, queue: queue, logger: logger}
}

// Confirm promotes preview data to final data and finishes the invoice.
func (uc *InvoiceActionsUseCase) Confirm(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var confirmed *domain.Invoice

	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		inv, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := domain.Transition(inv.Status, domain.StatusProcessed); err != nil {
			return err
		}
		if len(inv.PreviewData) == 0 {
			return domain.WrapError(domain.ErrNoPreviewData, "confirm invoice", fmt.Errorf("invoice %s", invoiceID))
		}

		if err := tx.Store().SaveFinal(ctx, invoiceID, inv.PreviewData); err != nil {
			return fmt.Errorf("save final data: %w", err)
		}
		if err := tx.Store().UpdateStatus(ctx, invoiceID, domain.StatusProcessed); err != nil {
			return fmt.Errorf("set status=processed: %w", err)
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventConfirmed,
			Level:     domain.LevelInfo,
			Detail:    "preview data confirmed as final",
		}); err != nil {
			return err
		}

		inv.FinalData = inv.PreviewData
		inv.Status = domain.StatusProcessed
		confirmed = inv
		tx.QueueNotification(invoiceChannel(invoiceID), statusPayload(invoiceID, domain.StatusProcessed, inv.Filename))
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("invoice.confirmed", "invoice_id", invoiceID)
	return confirmed, nil
}

// Reject marks an invoice as manually rejected, keeping the reason in the
// event log so a later retry can bias re-processing with it.
func (uc *InvoiceActionsUseCase) Reject(ctx context.Context, invoiceID, reason string) (*domain.Invoice, error) {
	if reason == "" {
		reason = "manual rejection"
	}

	var rejected *domain.Invoice
	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		inv, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := domain.Transition(inv.Status, domain.StatusRejected); err != nil {
			return err
		}

		if err := tx.Store().UpdateStatus(ctx, invoiceID, domain.StatusRejected); err != nil {
			return fmt.Errorf("set status=rejected: %w", err)
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventRejected,
			Level:     domain.LevelWarning,
			Detail:    reason,
		}); err != nil {
			return err
		}

		inv.Status = domain.StatusRejected
		rejected = inv
		tx.QueueNotification(invoiceChannel(invoiceID), statusPayload(invoiceID, domain.StatusRejected, inv.Filename))
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("invoice.rejected", "invoice_id", invoiceID, "reason", reason)
	return rejected, nil
}

// UpdatePreview replaces the extracted preview fields with manually corrected
// ones while the invoice awaits validation. The row lock keeps the edit from
// interleaving with a confirm or a concurrently re-running worker.
func (uc *InvoiceActionsUseCase) UpdatePreview(ctx context.Context, invoiceID string, preview domain.Fields) (*domain.Invoice, error) {
	if len(preview) == 0 {
		return nil, domain.WrapError(domain.ErrNoPreviewData, "update preview", fmt.Errorf("invoice %s: empty preview payload", invoiceID))
	}

	var updated *domain.Invoice
	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		inv, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != domain.StatusWaitingValidation {
			return domain.WrapError(domain.ErrInvalidTransition, "update preview",
				fmt.Errorf("invoice %s is %s, preview is editable only in %s", invoiceID, inv.Status, domain.StatusWaitingValidation))
		}

		if err := tx.Store().SavePreview(ctx, invoiceID, preview, inv.AgentResponse); err != nil {
			return fmt.Errorf("save preview data: %w", err)
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventPreviewUpdated,
			Level:     domain.LevelInfo,
			Detail:    "preview data updated manually",
		}); err != nil {
			return err
		}

		inv.PreviewData = preview
		updated = inv
		tx.QueueNotification(invoiceChannel(invoiceID), statusPayload(invoiceID, inv.Status, inv.Filename))
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info("invoice.preview_updated", "invoice_id", invoiceID, "fields", len(preview))
	return updated, nil
}

// Retry re-enters a failed or rejected invoice into the pipeline. The prior
// rejection reason or failure detail, when present, rides along as context
// for the new job. Re-enqueueing is unconditional; a permanently missing
// file will simply fail the same way again.
func (uc *InvoiceActionsUseCase) Retry(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var (
		retried      *domain.Invoice
		priorContext string
	)

	err := uc.uow.Within(ctx, func(ctx context.Context, tx ports.TxScope) error {
		inv, err := tx.Store().GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := domain.Transition(inv.Status, domain.StatusProcessing); err != nil {
			return err
		}

		detail, err := tx.Store().LastEventDetail(ctx, invoiceID, domain.EventRejected, domain.EventProcessingFailed)
		if err != nil {
			return fmt.Errorf("load prior failure context: %w", err)
		}
		priorContext = detail

		if err := tx.Store().UpdateStatus(ctx, invoiceID, domain.StatusProcessing); err != nil {
			return fmt.Errorf("set status=processing: %w", err)
		}
		if err := tx.Store().AppendEvent(ctx, &domain.InvoiceEvent{
			InvoiceID: invoiceID,
			Kind:      domain.EventRetryRequested,
			Level:     domain.LevelInfo,
			Detail:    "manual retry requested",
		}); err != nil {
			return err
		}

		inv.Status = domain.StatusProcessing
		retried = inv
		tx.QueueNotification(invoiceChannel(invoiceID), statusPayload(invoiceID, domain.StatusProcessing, inv.Filename))
		return nil
	})
	if err != nil {
		return nil, err
	}

	job := domain.PipelineJob{
		InvoiceID:        invoiceID,
		RejectionContext: priorContext,
		EnqueuedAt:       time.Now().UTC(),
	}
	if err := uc.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue retry job: %w", err)
	}

	uc.logger.Info("invoice.retry_enqueued", "invoice_id", invoiceID, "has_context", priorContext != "")
	return retried, nil
}

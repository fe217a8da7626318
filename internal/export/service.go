package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// exportPageSize is the read-model page used to walk all processed invoices.
const exportPageSize = 200

// Service produces XLSX bytes from confirmed invoice data.
type Service struct {
	reads  ports.InvoiceReadModel
	logger *slog.Logger
}

func NewService(reads ports.InvoiceReadModel, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reads: reads, logger: logger}
}

// ExportProcessedXLSX returns a workbook with one row per processed invoice
// of the tenant. Field values come from the confirmed final data.
func (s *Service) ExportProcessedXLSX(ctx context.Context, tenantID string) ([]byte, error) {
	start := time.Now()

	invoices, err := s.listProcessed(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	const sheet = "Invoices"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Invoice Number",
		"Invoice Date",
		"Vendor",
		"Amount",
		"Tax",
		"Currency",
		"Source File",
		"Confirmed At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, inv := range invoices {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, fieldString(inv.FinalData, "invoice_number"))
		write(2, fieldString(inv.FinalData, "invoice_date"))
		write(3, fieldString(inv.FinalData, "vendor_name"))
		write(4, fieldString(inv.FinalData, "amount_total"))
		write(5, fieldString(inv.FinalData, "tax_total"))
		write(6, fieldString(inv.FinalData, "currency"))
		write(7, inv.Filename)
		write(8, inv.UpdatedAt.Format("2006-01-02 15:04"))

		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 18)
	_ = f.SetColWidth(sheet, "B", "B", 14)
	_ = f.SetColWidth(sheet, "C", "C", 32)
	_ = f.SetColWidth(sheet, "D", "F", 12)
	_ = f.SetColWidth(sheet, "G", "G", 40)
	_ = f.SetColWidth(sheet, "H", "H", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"tenant_id", tenantID,
		"rows", len(invoices),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) listProcessed(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	var all []domain.Invoice
	for offset := 0; ; offset += exportPageSize {
		page, err := s.reads.List(ctx, tenantID, domain.StatusProcessed, exportPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list processed invoices: %w", err)
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
	}
}

func fieldString(fields domain.Fields, key string) string {
	if fields == nil {
		return ""
	}
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

package ocr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// pdfPageFanOut bounds page-level parallelism inside one admitted slot.
const pdfPageFanOut = 4

// extractPDFText reads the embedded text layer. Pages are extracted in
// parallel, each worker with its own reader since the pdf reader is not
// safe for concurrent page access.
func extractPDFText(ctx context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "open pdf", err)
	}
	pages := r.NumPage()
	_ = f.Close()

	if pages == 0 {
		return "", nil
	}

	var (
		mu        sync.Mutex
		pageTexts = make(map[int]string, pages)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pdfPageFanOut)

	for pageNum := 1; pageNum <= pages; pageNum++ {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			text, err := extractPDFPage(path, pageNum)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNum, err)
			}
			mu.Lock()
			pageTexts[pageNum] = text
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "extract pdf text", err)
	}

	nums := make([]int, 0, len(pageTexts))
	for num := range pageTexts {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	var builder strings.Builder
	for _, num := range nums {
		if text := pageTexts[num]; text != "" {
			builder.WriteString(text)
			builder.WriteString("\n")
		}
	}
	return builder.String(), nil
}

func extractPDFPage(path string, pageNum int) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	page := r.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", err
	}
	return text, nil
}

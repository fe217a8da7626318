package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Extractor turns stored invoice documents into raw text. PDFs are read
// through their text layer; images go through tesseract. Concurrent
// admissions are bounded by a weighted semaphore so a pool of workers cannot
// oversubscribe the OCR engine, and results are served from a read-through
// cache keyed by (path, mtime).
type Extractor struct {
	gate   *semaphore.Weighted
	cache  *TextCache
	images *ImageOCR
	logger *slog.Logger
}

type Config struct {
	MaxConcurrent int
	Languages     []string
	Cache         CacheConfig
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gate:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cache:  NewTextCache(cfg.Cache),
		images: NewImageOCR(cfg.Languages),
		logger: logger,
	}
}

// Extract never retries internally; the caller owns retry policy.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "stat document", err)
	}

	key := cacheKey(path, info.ModTime())
	if text, ok := e.cache.Get(key); ok {
		e.logger.Debug("ocr.cache_hit", "path", path)
		return text, nil
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "acquire ocr slot", err)
	}
	defer e.gate.Release(1)

	text, err := e.extract(ctx, path)
	if err != nil {
		return "", err
	}

	text = normalizeText(text)
	e.cache.Put(key, text)
	return text, nil
}

func (e *Extractor) extract(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDFText(ctx, path)
	case ".png", ".jpg", ".jpeg", ".tiff", ".tif":
		return e.images.Recognize(ctx, path)
	default:
		return "", domain.WrapError(domain.ErrExtraction, "dispatch by extension",
			fmt.Errorf("unsupported document type %q", filepath.Ext(path)))
	}
}

func cacheKey(path string, modTime time.Time) string {
	return fmt.Sprintf("%s|%d", path, modTime.UnixNano())
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

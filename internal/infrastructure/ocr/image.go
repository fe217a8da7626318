package ocr

import (
	"bytes"
	"context"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// minOCRWidth is the width scanned invoices are upscaled to before OCR;
// tesseract accuracy drops sharply on low-resolution photos.
const minOCRWidth = 1200

// ImageOCR recognizes text in image documents with tesseract. A fresh
// client is created per call; gosseract clients are not safe to share.
type ImageOCR struct {
	languages []string
}

func NewImageOCR(languages []string) *ImageOCR {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &ImageOCR{languages: languages}
}

func (o *ImageOCR) Recognize(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "recognize image", err)
	}

	prepared, err := o.preprocess(path)
	if err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(o.languages...); err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "set ocr languages", err)
	}
	if err := client.SetImageFromBytes(prepared); err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "load image", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "run tesseract", err)
	}
	return text, nil
}

// preprocess grayscales and, when needed, upscales the image, then re-encodes
// it as PNG for tesseract.
func (o *ImageOCR) preprocess(path string) ([]byte, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.WrapError(domain.ErrMissingDocument, "open image", err)
		}
		return nil, domain.WrapError(domain.ErrExtraction, "open image", err)
	}

	img := imaging.Grayscale(src)
	if img.Bounds().Dx() < minOCRWidth {
		img = imaging.Resize(img, minOCRWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, domain.WrapError(domain.ErrExtraction, "encode image", err)
	}
	return buf.Bytes(), nil
}

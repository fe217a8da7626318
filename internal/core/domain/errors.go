package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingDocument   = errors.New("source document missing")
	ErrExtraction        = errors.New("text extraction failed")
	ErrEmptyExtraction   = errors.New("extracted text is empty")
	ErrStructuring       = errors.New("structured extraction failed")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrPersistence       = errors.New("persistence failure")
	ErrTemporary         = errors.New("temporary failure")
	ErrNoPreviewData     = errors.New("no preview data to confirm")
	ErrUnsupportedUpload = errors.New("unsupported upload")
)

// MalformedResponseError carries the raw model output for diagnosis.
// Partial or guessed data is never returned in its place.
type MalformedResponseError struct {
	Raw   string
	Cause error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %v", e.Cause)
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Retryable reports whether a pipeline error is worth another queue-level
// attempt. Missing files, empty extractions, bad templates and malformed
// model output will fail identically on replay.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMissingDocument),
		errors.Is(err, ErrEmptyExtraction),
		errors.Is(err, ErrTemplateNotFound),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrInvalidTransition):
		return false
	}
	return true
}

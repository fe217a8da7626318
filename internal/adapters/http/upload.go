package httpadapter

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const (
	maxUploadBytes  = 64 << 20
	maxArchiveFiles = 100
)

type uploadResult struct {
	Filename string          `json:"filename"`
	Decision string          `json:"decision"`
	Invoice  *domain.Invoice `json:"invoice,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// uploadInvoices accepts a single document or a zip archive in the multipart
// field "file". Archive entries are classified independently; one bad entry
// does not fail the batch.
func (rt *Router) uploadInvoices(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	tenantID := r.FormValue("tenant_id")

	if strings.EqualFold(filepath.Ext(fileHeader.Filename), ".zip") {
		rt.uploadArchive(w, r, tenantID, file)
		return
	}

	result := rt.uploadOne(r, tenantID, fileHeader.Filename, file)
	status := http.StatusAccepted
	if result.Error != "" {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (rt *Router) uploadArchive(w http.ResponseWriter, r *http.Request, tenantID string, file io.Reader) {
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read archive"})
		return
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid zip archive"})
		return
	}
	if len(archive.File) > maxArchiveFiles {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "archive has too many files"})
		return
	}

	results := make([]uploadResult, 0, len(archive.File))
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		entryReader, err := entry.Open()
		if err != nil {
			results = append(results, uploadResult{
				Filename: entry.Name,
				Decision: "error",
				Error:    "open archive entry",
			})
			continue
		}
		results = append(results, rt.uploadOne(r, tenantID, filepath.Base(entry.Name), entryReader))
		entryReader.Close()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

func (rt *Router) uploadOne(r *http.Request, tenantID, filename string, body io.Reader) uploadResult {
	inv, err := rt.intake.Upload(r.Context(), tenantID, filename, body)
	switch {
	case errors.Is(err, domain.ErrUnsupportedUpload):
		rt.recordIntake("rejected")
		return uploadResult{Filename: filename, Decision: string(domain.IntakeRejected), Error: err.Error()}
	case err != nil:
		rt.recordIntake("error")
		return uploadResult{Filename: filename, Decision: "error", Error: err.Error()}
	case inv.Status == domain.StatusDuplicated:
		rt.recordIntake("duplicate")
		return uploadResult{Filename: filename, Decision: string(domain.IntakeDuplicate), Invoice: inv}
	default:
		rt.recordIntake("accepted")
		return uploadResult{Filename: filename, Decision: string(domain.IntakeAccepted), Invoice: inv}
	}
}

func (rt *Router) recordIntake(decision string) {
	if rt.metrics != nil {
		rt.metrics.RecordIntake(serviceName, decision)
	}
}

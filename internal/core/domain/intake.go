package domain

import (
	"path/filepath"
	"strings"
)

type IntakeTag string

const (
	IntakeAccepted  IntakeTag = "accepted"
	IntakeDuplicate IntakeTag = "duplicate"
	IntakeRejected  IntakeTag = "rejected"
)

// IntakeDecision classifies one uploaded file before any I/O happens.
// Side effects (row insert, file save, enqueue) are applied by the caller
// based on the tag.
type IntakeDecision struct {
	Tag      IntakeTag
	Filename string
	Reason   string
}

var acceptedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tiff": true,
	".tif":  true,
}

// ClassifyIntake decides whether an upload becomes a new invoice, a
// duplicate, or is rejected outright. Duplicate detection is by exact
// lowercase filename match against the tenant's existing invoices.
func ClassifyIntake(filename string, existingFilenames []string) IntakeDecision {
	name := strings.TrimSpace(filename)
	if name == "" {
		return IntakeDecision{Tag: IntakeRejected, Filename: filename, Reason: "empty filename"}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !acceptedExtensions[ext] {
		return IntakeDecision{Tag: IntakeRejected, Filename: name, Reason: "unsupported file type " + ext}
	}

	lower := strings.ToLower(name)
	for _, existing := range existingFilenames {
		if strings.ToLower(existing) == lower {
			return IntakeDecision{Tag: IntakeDuplicate, Filename: name, Reason: "filename already ingested"}
		}
	}

	return IntakeDecision{Tag: IntakeAccepted, Filename: name}
}

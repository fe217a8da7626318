package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestResolveDefaultPicksHighestTenantVersion(t *testing.T) {
	base := t.TempDir()
	tenantDir := filepath.Join(base, "acme")
	writeTemplate(t, tenantDir, "prompt_v1.md", "old prompt {raw_text}")
	writeTemplate(t, tenantDir, "prompt_v3.md", `---
version: 3
model: gpt-4o
description: tuned for acme invoices
---
new prompt {raw_text}`)
	writeTemplate(t, tenantDir, "notes.txt", "not a template")

	store := New(base, "", nil)
	tpl, err := store.ResolveDefault(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl == nil {
		t.Fatal("expected tenant template")
	}
	if tpl.Version != 3 {
		t.Fatalf("expected version 3, got %d", tpl.Version)
	}
	if tpl.Model != "gpt-4o" {
		t.Fatalf("expected model from header, got %q", tpl.Model)
	}
	if tpl.Body != "new prompt {raw_text}" {
		t.Fatalf("unexpected body %q", tpl.Body)
	}
	if tpl.TenantID != "acme" {
		t.Fatalf("expected tenant id set, got %q", tpl.TenantID)
	}
}

func TestResolveDefaultHeaderlessTemplateUsesFilenameVersion(t *testing.T) {
	base := t.TempDir()
	writeTemplate(t, filepath.Join(base, "acme"), "prompt_v2.md", "bare prompt")

	store := New(base, "", nil)
	tpl, err := store.ResolveDefault(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Version != 2 {
		t.Fatalf("expected version 2 from filename, got %d", tpl.Version)
	}
}

func TestResolveDefaultUnknownTenantFallsThrough(t *testing.T) {
	store := New(t.TempDir(), "", nil)
	tpl, err := store.ResolveDefault(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl != nil {
		t.Fatalf("expected nil template for unknown tenant, got %+v", tpl)
	}
}

func TestResolveDefaultUsesSystemDefault(t *testing.T) {
	base := t.TempDir()
	defaultPath := filepath.Join(base, "default.md")
	writeTemplate(t, base, "default.md", "system prompt {raw_text}")

	store := New(base, defaultPath, nil)
	tpl, err := store.ResolveDefault(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl == nil || tpl.Body != "system prompt {raw_text}" {
		t.Fatalf("expected system default template, got %+v", tpl)
	}
}

func TestResolveDefaultMissingConfiguredDefaultIsError(t *testing.T) {
	store := New(t.TempDir(), "/nonexistent/default.md", nil)
	_, err := store.ResolveDefault(context.Background(), "")
	if !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestParseTemplateRejectsUnterminatedHeader(t *testing.T) {
	if _, err := parseTemplate("---\nversion: 1\nbody without closing fence"); err == nil {
		t.Fatal("expected error for unterminated header")
	}
}

func TestParseTemplateRejectsEmptyBody(t *testing.T) {
	if _, err := parseTemplate("---\nversion: 1\n---\n\n"); err == nil {
		t.Fatal("expected error for empty body")
	}
}

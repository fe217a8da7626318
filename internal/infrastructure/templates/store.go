package templates

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

var versionedName = regexp.MustCompile(`^prompt_v(\d+)\.(md|txt)$`)

// Store resolves extraction templates from a directory tree:
// <base>/<tenant_id>/prompt_v<N>.md, highest version wins. Template files
// may start with a YAML header (version, model, description) delimited by
// "---" lines. The store is read-only to the pipeline; versions are written
// by the external prompt-management service.
type Store struct {
	baseDir     string
	defaultPath string
	logger      *slog.Logger
}

// New configures the store. defaultPath, when set, points at an explicit
// system-default template; a set-but-missing path is a hard error rather
// than a silent fallback.
func New(baseDir, defaultPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{baseDir: baseDir, defaultPath: defaultPath, logger: logger}
}

// ResolveDefault returns the tenant's active template, or the configured
// system default, or (nil, nil) meaning "use the builtin prompt".
func (s *Store) ResolveDefault(_ context.Context, tenantID string) (*domain.Template, error) {
	if tenantID != "" && s.baseDir != "" {
		tpl, err := s.latestTenantTemplate(tenantID)
		if err != nil {
			return nil, err
		}
		if tpl != nil {
			return tpl, nil
		}
	}

	if s.defaultPath == "" {
		return nil, nil
	}
	tpl, err := s.load(s.defaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.WrapError(domain.ErrTemplateNotFound, "load default template",
				fmt.Errorf("path %q", s.defaultPath))
		}
		return nil, fmt.Errorf("load default template: %w", err)
	}
	return tpl, nil
}

func (s *Store) latestTenantTemplate(tenantID string) (*domain.Template, error) {
	dir := filepath.Join(s.baseDir, tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	best := -1
	bestName := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := versionedName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if version > best {
			best = version
			bestName = entry.Name()
		}
	}
	if best < 0 {
		return nil, nil
	}

	path := filepath.Join(dir, bestName)
	tpl, err := s.load(path)
	if err != nil {
		// The version was referenced by directory listing a moment ago; a
		// vanished file is a hard template error, not a fallback.
		return nil, domain.WrapError(domain.ErrTemplateNotFound, "load tenant template",
			fmt.Errorf("path %q: %v", path, err))
	}
	tpl.TenantID = tenantID
	if tpl.Version == 0 {
		tpl.Version = best
	}
	s.logger.Debug("templates.resolved", "tenant_id", tenantID, "version", tpl.Version)
	return tpl, nil
}

func (s *Store) load(path string) (*domain.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTemplate(string(data))
}

// parseTemplate splits an optional YAML header from the prompt body.
func parseTemplate(content string) (*domain.Template, error) {
	tpl := &domain.Template{}

	if strings.HasPrefix(content, "---\n") {
		rest := content[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("unterminated template header")
		}
		if err := yaml.Unmarshal([]byte(rest[:end]), tpl); err != nil {
			return nil, fmt.Errorf("parse template header: %w", err)
		}
		content = rest[end+len("\n---"):]
		content = strings.TrimPrefix(content, "\n")
	}

	tpl.Body = strings.TrimSpace(content)
	if tpl.Body == "" {
		return nil, fmt.Errorf("template body is empty")
	}
	return tpl, nil
}

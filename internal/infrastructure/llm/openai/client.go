package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

const systemMessage = "You are a document-processing assistant. You extract structured invoice data and answer only with JSON."

// Client implements structured extraction against an OpenAI-compatible chat
// completions endpoint. Transient failures are retried with backoff through
// the resilience executor; identical (model, prompt) pairs short-circuit to
// the response cache without a new model call.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	maxInputChars int
	httpClient    *http.Client
	executor      *resilience.Executor
	limiter       *rate.Limiter
	cache         *ResponseCache
	validate      func(domain.Fields) error
	logger        *slog.Logger
}

type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	MaxInputChars     int
	RequestsPerMinute int
	Timeout           time.Duration
	Cache             CacheConfig
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 12000
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	validate, err := compileFieldsValidator()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		maxInputChars: cfg.MaxInputChars,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		executor:      executor,
		limiter:       rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		cache:         NewResponseCache(cfg.Cache),
		validate:      validate,
		logger:        logger,
	}, nil
}

// ExtractFields renders the prompt from tpl (or the builtin default), asks
// the model for a JSON object, and decodes it. Truncation of oversized input
// is a warning, never an error. Malformed output goes through one repair
// pass; if that also fails the raw content is surfaced for diagnosis.
func (c *Client) ExtractFields(ctx context.Context, text string, tpl *domain.Template, rejectionContext string) (domain.Fields, string, error) {
	if len(text) > c.maxInputChars {
		c.logger.Warn("llm.input_truncated", "chars", len(text), "max_chars", c.maxInputChars)
		text = truncateAtRuneBoundary(text, c.maxInputChars)
	}

	model := c.model
	if tpl != nil && tpl.Model != "" {
		model = tpl.Model
	}
	prompt := renderPrompt(tpl, text, rejectionContext)

	fingerprint := promptFingerprint(model, prompt)
	if fields, raw, ok := c.cache.Get(fingerprint); ok {
		c.logger.Debug("llm.cache_hit", "model", model)
		return fields, raw, nil
	}

	raw, err := c.complete(ctx, model, prompt)
	if err != nil {
		return nil, "", wrapTemporaryIfNeeded("structured extraction", err)
	}

	fields, err := decodeFields(raw)
	if err != nil {
		return nil, raw, err
	}
	if err := c.validate(fields); err != nil {
		return nil, raw, &domain.MalformedResponseError{Raw: raw, Cause: err}
	}

	c.cache.Put(fingerprint, fields, raw)
	return fields, raw, nil
}

func (c *Client) complete(ctx context.Context, model, prompt string) (string, error) {
	request := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMessage},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.3,
		MaxTokens:      500,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var content string
	call := func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var response chatResponse
		if err := c.postJSON(ctx, "/v1/chat/completions", request, &response, "complete"); err != nil {
			return err
		}
		if len(response.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		content = strings.TrimSpace(response.Choices[0].Message.Content)
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai.complete", call, classifyOpenAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// truncateAtRuneBoundary cuts s to at most max bytes without splitting a
// multi-byte UTF-8 sequence, so truncated OCR text stays valid for the model.
func truncateAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// decodeFields tries a direct decode first and one repair pass that strips
// fenced-code wrapping. Anything else is malformed; guessed data is never
// returned.
func decodeFields(raw string) (domain.Fields, error) {
	var fields domain.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		return fields, nil
	}

	repaired := stripWrappingArtifacts(raw)
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
		return nil, &domain.MalformedResponseError{Raw: raw, Cause: err}
	}
	return fields, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

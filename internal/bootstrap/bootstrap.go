package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/core/usecase"
	"github.com/kirillkom/invoice-pipeline/internal/export"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/ocr"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/templates"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue    *nats.Queue
	Reads    ports.InvoiceReadModel
	Executor *resilience.Executor

	IntakeUC  ports.InvoiceIntake
	ProcessUC ports.InvoicePipeline
	ActionsUC ports.InvoiceActions
	Exporter  *export.Service

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewInvoiceRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	notifier := nats.NewNotifier(queue)

	uow := postgres.NewUnitOfWork(db, notifier, logger)

	extractor := ocr.NewExtractor(ocr.Config{
		MaxConcurrent: cfg.OCRMaxConcurrent,
		Languages:     splitLanguages(cfg.OCRLanguages),
		Cache:         ocr.CacheConfig{TTL: cfg.OCRCacheTTL},
	}, logger)

	structurer, err := openai.New(openai.Config{
		BaseURL:           cfg.OpenAIBaseURL,
		APIKey:            cfg.OpenAIAPIKey,
		Model:             cfg.OpenAIModel,
		MaxInputChars:     cfg.OpenAIMaxInputChars,
		RequestsPerMinute: cfg.OpenAIRatePerMinute,
		Timeout:           cfg.OpenAITimeout,
		Cache:             openai.CacheConfig{TTL: cfg.OpenAICacheTTL},
	}, executor, logger)
	if err != nil {
		return nil, fmt.Errorf("init model client: %w", err)
	}

	templateStore := templates.New(cfg.TemplatesPath, cfg.DefaultTemplatePath, logger)

	intakeUC := usecase.NewIntakeUseCase(repo, uow, storage, queue, logger)
	processUC := usecase.NewProcessInvoiceUseCase(uow, storage, extractor, structurer, templateStore, logger)
	actionsUC := usecase.NewInvoiceActionsUseCase(uow, queue, logger)
	exporter := export.NewService(repo, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Queue:    queue,
		Reads:    repo,
		Executor: executor,

		IntakeUC:  intakeUC,
		ProcessUC: processUC,
		ActionsUC: actionsUC,
		Exporter:  exporter,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func splitLanguages(raw string) []string {
	var langs []string
	for _, part := range strings.Split(raw, ",") {
		if lang := strings.TrimSpace(part); lang != "" {
			langs = append(langs, lang)
		}
	}
	return langs
}

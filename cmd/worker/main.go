package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/bootstrap"
	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/observability/logging"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
	"github.com/kirillkom/invoice-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("invoice-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("invoice-worker")
	app.ProcessUC.SetStageObserver(func(stage string, d time.Duration) {
		workerMetrics.ObserveStage("invoice-worker", stage, d)
	})
	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: workerMetrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	pool := worker.NewPool(worker.Config{
		Size:              cfg.WorkerPoolSize,
		MaxTasksPerWorker: cfg.WorkerMaxTasks,
		SoftDeadline:      cfg.WorkerSoftDeadline,
		HardDeadline:      cfg.WorkerHardDeadline,
	}, app.ProcessUC, app.Queue, app.Executor, workerMetrics, logger)

	logger.Info("worker.subscribed", "subject", cfg.NATSSubject, "pool_size", cfg.WorkerPoolSize)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker run error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

const serviceName = "invoice-worker"

type Config struct {
	// Size is the number of concurrent worker goroutines.
	Size int
	// MaxTasksPerWorker bounds how many jobs one goroutine handles before it
	// is replaced by a fresh one. Keeps slow leaks in cgo-backed OCR from
	// accumulating over a long-lived process.
	MaxTasksPerWorker int
	// SoftDeadline only logs; HardDeadline cancels the task context.
	SoftDeadline time.Duration
	HardDeadline time.Duration
}

func (c Config) normalized() Config {
	if c.Size <= 0 {
		c.Size = 2
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = 50
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = time.Minute
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = 5 * time.Minute
	}
	return c
}

// Pool consumes pipeline jobs from the queue and drives the processing
// use case through the shared resilience executor. Only errors classified
// retryable by the domain are re-attempted; validation-style failures go
// straight to the failed status written by the use case.
type Pool struct {
	cfg      Config
	pipeline ports.InvoicePipeline
	queue    ports.JobQueue
	executor *resilience.Executor
	metrics  *metrics.WorkerMetrics
	logger   *slog.Logger
}

func NewPool(
	cfg Config,
	pipeline ports.InvoicePipeline,
	queue ports.JobQueue,
	executor *resilience.Executor,
	m *metrics.WorkerMetrics,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg.normalized(),
		pipeline: pipeline,
		queue:    queue,
		executor: executor,
		metrics:  m,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. The subscription goroutine hands jobs
// to the pool over an unbuffered channel, so backpressure reaches NATS flow
// control instead of piling up in memory.
func (p *Pool) Run(ctx context.Context) error {
	jobs := make(chan domain.PipelineJob)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		go p.runWorker(ctx, i, jobs, &wg)
	}

	err := p.queue.Subscribe(ctx, func(handlerCtx context.Context, job domain.PipelineJob) error {
		select {
		case jobs <- job:
			return nil
		case <-handlerCtx.Done():
			return handlerCtx.Err()
		}
	})

	close(jobs)
	wg.Wait()
	return err
}

func (p *Pool) runWorker(ctx context.Context, id int, jobs <-chan domain.PipelineJob, wg *sync.WaitGroup) {
	defer wg.Done()

	handled := 0
	for job := range jobs {
		p.handle(ctx, job)

		handled++
		if handled >= p.cfg.MaxTasksPerWorker {
			// Replace this goroutine with a fresh one and bail out.
			if p.metrics != nil {
				p.metrics.RecordRecycle(serviceName)
			}
			p.logger.Info("worker.recycled", "worker_id", id, "tasks_handled", handled)
			wg.Add(1)
			go p.runWorker(ctx, id, jobs, wg)
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, job domain.PipelineJob) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.StartInvoice()
		if !job.EnqueuedAt.IsZero() {
			p.metrics.ObserveQueueLag(serviceName, start.Sub(job.EnqueuedAt))
		}
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.HardDeadline)
	defer cancel()

	softTimer := time.AfterFunc(p.cfg.SoftDeadline, func() {
		if p.metrics != nil {
			p.metrics.RecordDeadlineMiss(serviceName, "soft")
		}
		p.logger.Warn("worker.task_slow",
			"invoice_id", job.InvoiceID,
			"soft_deadline", p.cfg.SoftDeadline.String(),
		)
	})
	defer softTimer.Stop()

	err := p.process(taskCtx, job)
	duration := time.Since(start)

	if taskCtx.Err() == context.DeadlineExceeded {
		if p.metrics != nil {
			p.metrics.RecordDeadlineMiss(serviceName, "hard")
		}
		p.logger.Error("worker.task_deadline_exceeded",
			"invoice_id", job.InvoiceID,
			"hard_deadline", p.cfg.HardDeadline.String(),
		)
	}

	if p.metrics != nil {
		p.metrics.FinishInvoice(serviceName, duration, err)
	}
	if err != nil {
		p.logger.Error("worker.task_failed",
			"invoice_id", job.InvoiceID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return
	}
	p.logger.Info("worker.task_done",
		"invoice_id", job.InvoiceID,
		"duration_ms", duration.Milliseconds(),
	)
}

func (p *Pool) process(ctx context.Context, job domain.PipelineJob) error {
	call := func(callCtx context.Context) error {
		return p.pipeline.ProcessInvoice(callCtx, job.InvoiceID, job.RejectionContext)
	}
	if p.executor == nil {
		return call(ctx)
	}
	return p.executor.Execute(ctx, "worker.process", call, classifyProcessError)
}

// classifyProcessError keeps permanent extraction failures out of the retry
// loop and the circuit breaker accounting.
func classifyProcessError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if !domain.Retryable(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/tryon-be/internal/pipeline"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
	"github.com/cuongbtq/tryon-be/shared/rabbitmq"
)

// JobStorage is the slice of persistence the worker itself needs: claiming
// and liveness. All other job mutations happen inside the pipeline.
type JobStorage interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateHeartbeat(ctx context.Context, jobID string) error
}

// PipelineRunner executes a claimed job end to end.
type PipelineRunner interface {
	Run(ctx context.Context, job *domain.Job) (pipeline.Outcome, error)
}

// AdmissionGate releases the per-user in-flight lock once a job is terminal.
type AdmissionGate interface {
	Release(ctx context.Context, userID, feature string) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Storage           JobStorage
	RabbitClient      *rabbitmq.Client
	Pipeline          PipelineRunner
	Gate              AdmissionGate
	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes job messages from RabbitMQ and runs them through the
// generation pipeline on a pool of goroutines.
type Worker struct {
	logger            *slog.Logger
	storage           JobStorage
	rabbitClient      *rabbitmq.Client
	pipeline          PipelineRunner
	gate              AdmissionGate
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobsChan          chan *domain.JobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		storage:           cfg.Storage,
		rabbitClient:      cfg.RabbitClient,
		pipeline:          cfg.Pipeline,
		gate:              cfg.Gate,
		workerID:          cfg.WorkerID,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        jobTimeout,
		heartbeatInterval: heartbeat,
		jobsChan:          make(chan *domain.JobMessage),
		stopChan:          make(chan struct{}),
	}
}

// Start subscribes to the queue, spawns the worker pool, and blocks
// dispatching messages until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

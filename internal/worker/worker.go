package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/scenely/media-jobs/internal/pipeline"
	"github.com/scenely/media-jobs/internal/queue"
)

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       queue.Queue
	Runner      *pipeline.Runner
	Concurrency int
}

// Worker consumes job messages from the broker and executes their pipelines
// on a pool of goroutines.
type Worker struct {
	logger      *slog.Logger
	queue       queue.Queue
	runner      *pipeline.Runner
	concurrency int
	workerID    string
	jobsChan    chan queue.Delivery
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		runner:      cfg.Runner,
		concurrency: concurrency,
		workerID:    "worker-" + uuid.New().String()[:8],
		jobsChan:    make(chan queue.Delivery),
		stopChan:    make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It blocks until ctx is canceled
// or the broker's delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.runMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}

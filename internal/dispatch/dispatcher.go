package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scenely/media-jobs/internal/queue"
	"github.com/scenely/media-jobs/internal/status"
)

// Dispatcher is the producer side of the job subsystem: it publishes a job
// message to the broker and records the initial PENDING status.
type Dispatcher struct {
	queue  queue.Queue
	store  status.Store
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q queue.Queue, store status.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		store:  store,
		logger: logger,
	}
}

// Submit enqueues one job and returns its generated ID. On a broker failure
// the error wraps queue.ErrEnqueue and no status record is created, so the
// caller can retry the submission.
func (d *Dispatcher) Submit(ctx context.Context, taskName string, args []string) (string, error) {
	jobID := uuid.New().String()

	msg := &queue.Message{
		JobID:      jobID,
		TaskName:   taskName,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := d.queue.Publish(ctx, msg); err != nil {
		d.logger.Error("Failed to publish job message",
			slog.String("job_id", jobID),
			slog.String("task_name", taskName),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	// The worker tolerates the message landing first: a missing record on
	// claim is created as STARTED. When that happens the record already
	// exists here, and the submission has succeeded.
	if err := d.store.Create(ctx, jobID, status.StatePending); err != nil {
		if errors.Is(err, status.ErrAlreadyExists) {
			d.logger.Info("Job claimed before status record landed",
				slog.String("job_id", jobID),
			)
			return jobID, nil
		}
		d.logger.Error("Failed to create PENDING status record",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to record job status: %w", err)
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("task_name", taskName),
		slog.Int("args", len(args)),
	)
	return jobID, nil
}

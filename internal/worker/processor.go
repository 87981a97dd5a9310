package worker

import (
	"context"
	"log/slog"

	"github.com/scenely/media-jobs/internal/queue"
)

// handleDelivery processes one broker delivery and settles it. A settled job
// (terminal state reached, or another worker's outcome is authoritative) is
// acked; an infrastructure failure nacks with requeue so the broker
// redelivers.
func (w *Worker) handleDelivery(ctx context.Context, workerName string, delivery queue.Delivery) {
	msg, err := queue.Decode(delivery.Body())
	if err != nil {
		w.logger.Error("Failed to decode job message",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
		)
		// Malformed messages can never succeed; drop without requeue.
		if nackErr := delivery.Nack(false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.String("task_name", msg.TaskName),
	)

	if err := w.runner.Run(ctx, msg.JobID, msg.TaskName, msg.Args); err != nil {
		w.logger.Error("Job processing interrupted",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := delivery.Ack(); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	w.logger.Info("Job delivery settled",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
	)
}

package worker

import (
	"context"
	"log/slog"

	"github.com/scenely/media-jobs/internal/queue"
)

// runMessageDispatcher feeds broker deliveries to the worker pool. It returns
// when the context is canceled or the delivery channel closes.
func (w *Worker) runMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Broker delivery channel closed")
				return
			}

			select {
			case w.jobsChan <- delivery:
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// Hand the message back so it redelivers elsewhere.
				if err := delivery.Nack(true); err != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

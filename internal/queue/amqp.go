package queue

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scenely/media-jobs/shared/rabbitmq"
)

// AMQPQueue adapts the shared RabbitMQ client to the Queue contract. The
// broker's unacked-message redelivery provides the visibility-timeout
// semantics: a worker that dies with a delivery in flight returns it to the
// queue when its channel closes.
type AMQPQueue struct {
	client   *rabbitmq.Client
	logger   *slog.Logger
	prefetch int
	tag      string
}

// NewAMQPQueue wraps an established RabbitMQ client. prefetch bounds the
// number of unacked deliveries per consumer; tag identifies the consumer.
func NewAMQPQueue(client *rabbitmq.Client, prefetch int, tag string, logger *slog.Logger) *AMQPQueue {
	return &AMQPQueue{
		client:   client,
		logger:   logger,
		prefetch: prefetch,
		tag:      tag,
	}
}

func (q *AMQPQueue) Publish(ctx context.Context, msg *Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	q.logger.Debug("Job message published",
		slog.String("job_id", msg.JobID),
		slog.String("task_name", msg.TaskName),
	)
	return nil
}

func (q *AMQPQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	deliveries, err := q.client.Consume(q.tag, q.prefetch)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}
				select {
				case out <- &amqpDelivery{delivery: d}:
				case <-ctx.Done():
					// Hand the message back so another consumer picks it up.
					if err := d.Nack(false, true); err != nil {
						q.logger.Error("Failed to NACK message on shutdown",
							slog.Any("error", err),
						)
					}
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *AMQPQueue) Close() error {
	return q.client.Close()
}

type amqpDelivery struct {
	delivery amqp.Delivery
}

func (d *amqpDelivery) Body() []byte {
	return d.delivery.Body
}

func (d *amqpDelivery) Ack() error {
	return d.delivery.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is the unit of work transported by the broker. It is immutable once
// published.
type Message struct {
	JobID      string    `json:"job_id"`
	TaskName   string    `json:"task_name"`
	Args       []string  `json:"args"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// Decode parses a wire payload into a Message.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if msg.JobID == "" {
		return nil, errors.New("job message missing job_id")
	}
	if msg.TaskName == "" {
		return nil, errors.New("job message missing task_name")
	}
	return &msg, nil
}

// ErrEnqueue is returned when the broker is unreachable or rejects a publish.
// No status record exists for the job in that case, so submission can be
// retried safely.
var ErrEnqueue = errors.New("failed to enqueue job message")

// Delivery is one at-least-once delivery attempt of a Message. The consumer
// must Ack after processing (success or terminal failure) or Nack to hand the
// message back; an unacked delivery redelivers after the broker's visibility
// timeout.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Queue is the broker transport shared by the dispatcher and the worker pool.
// Delivery is at-least-once; consumers must tolerate duplicates.
type Queue interface {
	Publish(ctx context.Context, msg *Message) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

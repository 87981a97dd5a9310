package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryQueue is an in-process broker used by tests and local development. It
// models the same contract as the AMQP transport: at-least-once delivery with
// manual ack/nack and redelivery of deliveries left unacked past the
// visibility timeout.
type MemoryQueue struct {
	mu                sync.Mutex
	ready             []*memMessage
	notify            chan struct{}
	visibilityTimeout time.Duration
	closed            bool
}

type memMessage struct {
	body  []byte
	queue *MemoryQueue

	mu      sync.Mutex
	settled bool
	timer   *time.Timer
}

// NewMemoryQueue creates a MemoryQueue. An unacked delivery redelivers after
// visibilityTimeout, modeling worker crash recovery.
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		notify:            make(chan struct{}, 1),
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg *Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return q.enqueue(body)
}

func (q *MemoryQueue) enqueue(body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrEnqueue
	}
	q.ready = append(q.ready, &memMessage{body: body, queue: q})

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) requeue(m *memMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.ready = append(q.ready, m)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Consume delivers messages until ctx is canceled or the queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("queue is closed")
	}
	q.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m := q.dequeue()
			if m == nil {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-q.notify:
					if !ok {
						return
					}
					continue
				}
			}

			d := q.deliver(m)
			select {
			case out <- d:
			case <-ctx.Done():
				d.Nack(true)
				return
			}
		}
	}()

	return out, nil
}

func (q *MemoryQueue) dequeue() *memMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]

	// Keep other consumers awake while messages remain.
	if len(q.ready) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return m
}

// deliver arms the visibility timer and returns a settle-once delivery handle.
func (q *MemoryQueue) deliver(m *memMessage) *memDelivery {
	m.mu.Lock()
	m.settled = false
	m.timer = time.AfterFunc(q.visibilityTimeout, func() {
		m.mu.Lock()
		if m.settled {
			m.mu.Unlock()
			return
		}
		m.settled = true
		m.mu.Unlock()
		q.requeue(m)
	})
	m.mu.Unlock()

	return &memDelivery{msg: m}
}

// Close drops all pending messages and wakes consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.ready = nil
	close(q.notify)
	return nil
}

type memDelivery struct {
	msg *memMessage
}

func (d *memDelivery) Body() []byte {
	return d.msg.body
}

func (d *memDelivery) Ack() error {
	m := d.msg
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled {
		return errors.New("delivery already settled")
	}
	m.settled = true
	m.timer.Stop()
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	m := d.msg
	m.mu.Lock()
	if m.settled {
		m.mu.Unlock()
		return errors.New("delivery already settled")
	}
	m.settled = true
	m.timer.Stop()
	m.mu.Unlock()

	if requeue {
		m.queue.requeue(m)
	}
	return nil
}

// Package queue carries admitted job ids from the API to the worker pool
package queue

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by bounded queues that cannot accept more work
var ErrQueueFull = errors.New("queue is full")

// ErrClosed is returned when publishing to a closed queue
var ErrClosed = errors.New("queue is closed")

// Message is the queued payload. Jobs themselves live in the job store.
type Message struct {
	JobID string `json:"job_id"`
}

// Handler processes one delivery. A nil error acknowledges it; an error asks
// the queue to redeliver it a bounded number of times.
type Handler func(ctx context.Context, msg Message) error

// Queue is implemented by MemoryQueue and AMQPQueue
type Queue interface {
	Publish(ctx context.Context, jobID string) error
	// Consume runs handler on up to concurrency deliveries at a time. It
	// blocks until ctx is cancelled and in-flight handlers have returned.
	Consume(ctx context.Context, concurrency int, handler Handler) error
	Depth(ctx context.Context) (int, error)
	Close() error
}

// maxRedeliveries bounds how often a failing delivery is retried before it
// is dead-lettered
const maxRedeliveries = 3

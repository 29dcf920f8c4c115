package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
)

type envelope struct {
	msg        Message
	deliveries int
}

// MemoryQueue is a bounded in-process queue used when the API and workers
// share one process
type MemoryQueue struct {
	ch chan envelope

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding at most capacity pending jobs
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan envelope, capacity)}
}

// Publish enqueues a job id without blocking
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	return q.push(envelope{msg: Message{JobID: jobID}})
}

func (q *MemoryQueue) push(e envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- e:
		metrics.JobsQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume starts concurrency consumers and blocks until ctx is done
func (q *MemoryQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-q.ch:
					metrics.JobsQueueDepth.Set(float64(len(q.ch)))
					q.deliver(ctx, e, handler)
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) deliver(ctx context.Context, e envelope, handler Handler) {
	e.deliveries++
	if err := handler(ctx, e.msg); err != nil {
		if e.deliveries >= maxRedeliveries {
			log.Error().Err(err).Str("job_id", e.msg.JobID).Msg("Dropping job after repeated delivery failures")
			metrics.RecordError("queue", "dead_letter")
			return
		}
		if err := q.push(e); err != nil {
			log.Error().Err(err).Str("job_id", e.msg.JobID).Msg("Failed to requeue job")
		}
	}
}

// Depth returns the number of pending jobs
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	return len(q.ch), nil
}

// Close stops accepting new jobs
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

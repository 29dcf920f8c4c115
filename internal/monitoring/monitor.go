// Package monitoring samples queue state and drives the periodic recovery
// sweep in long-running processes
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
)

// DepthReporter reports the number of pending queue messages
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// Sweeper requeues jobs abandoned by crashed workers
type Sweeper interface {
	Recover(ctx context.Context) (int, error)
}

// Stats holds the most recent observations
type Stats struct {
	QueueDepth     int       `json:"queue_depth"`
	RecoveredTotal int64     `json:"recovered_total"`
	LastSample     time.Time `json:"last_sample"`
	LastSweep      time.Time `json:"last_sweep,omitempty"`
}

// Monitor periodically samples the queue and, when a sweeper is set, runs
// the recovery sweep
type Monitor struct {
	queue   DepthReporter
	sweeper Sweeper
	logger  *logging.Logger

	sampleEvery time.Duration
	sweepEvery  time.Duration

	mu    sync.RWMutex
	stats Stats
}

// NewMonitor creates a monitor. sweeper may be nil, and a zero sweepEvery
// disables the periodic sweep.
func NewMonitor(queue DepthReporter, sweeper Sweeper, sweepEvery time.Duration, logger *logging.Logger) *Monitor {
	return &Monitor{
		queue:       queue,
		sweeper:     sweeper,
		logger:      logger,
		sampleEvery: 10 * time.Second,
		sweepEvery:  sweepEvery,
	}
}

// Start runs the sampling loops until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	m.sample(ctx)
	go m.loop(ctx, m.sampleEvery, m.sample)

	if m.sweeper != nil && m.sweepEvery > 0 {
		go m.loop(ctx, m.sweepEvery, m.sweep)
	}
}

func (m *Monitor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	depth, err := m.queue.Depth(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to sample queue depth")
		metrics.RecordError("monitoring", "queue_depth")
		return
	}

	m.mu.Lock()
	m.stats.QueueDepth = depth
	m.stats.LastSample = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) sweep(ctx context.Context) {
	recovered, err := m.sweeper.Recover(ctx)
	if err != nil {
		m.logger.ErrorWithErr("Periodic recovery sweep failed", err)
		return
	}

	m.mu.Lock()
	m.stats.RecoveredTotal += int64(recovered)
	m.stats.LastSweep = time.Now()
	m.mu.Unlock()
}

// Stats returns a copy of the latest observations
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Package jobstore persists transcription jobs and enforces their state
// machine. Every transition into a terminal state releases the job's ledger
// capacity exactly once.
package jobstore

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Store is implemented by MemoryStore and PostgresStore
type Store interface {
	// Create stores job in state queued, assigning an id when empty
	Create(ctx context.Context, job *models.Job) (string, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	// Transition moves a job from -> to only if its current state is from.
	// It returns *models.TransitionError otherwise.
	Transition(ctx context.Context, id string, from, to models.JobStatus, update Update) (*models.Job, error)
	// Heartbeat refreshes updated_at of a job running on workerID. It returns
	// models.ErrLeaseLost once the job left running or moved to another worker.
	Heartbeat(ctx context.Context, id, workerID string) error
	// ListStale returns jobs in status whose last update is before olderThan
	ListStale(ctx context.Context, status models.JobStatus, olderThan time.Time) ([]*models.Job, error)
}

// Update carries the fields a transition may set. Zero values leave the
// stored field unchanged.
type Update struct {
	Result        *models.Transcript
	ErrorMsg      string
	ActualMinutes int
	WorkerID      string
	Committed     bool
}

// Releaser gives capacity back to the usage ledger
type Releaser interface {
	Release(ctx context.Context, id models.Identity, outstandingMinutes int) error
}

// terminalHook runs after a successful transition, outside any store lock
type terminalHook struct {
	releaser Releaser
	logger   *logging.Logger
}

func (h terminalHook) after(ctx context.Context, job *models.Job) {
	if !job.Status.IsTerminal() {
		return
	}

	var elapsed float64
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(*job.StartedAt).Seconds()
	}
	metrics.RecordJobFinished(string(job.Status), elapsed)

	// the job is already terminal, so the release must outlive a cancelled request
	err := h.releaser.Release(context.WithoutCancel(ctx), job.Identity(), job.OutstandingMinutes())
	metrics.RecordRelease(err)
	if err != nil {
		h.logger.WithJobID(job.ID).WithIdentity(job.Identity()).ErrorWithErr("Failed to release usage", err)
	}
}

func (h terminalHook) rejected(err *models.TransitionError) {
	metrics.RecordInvalidTransition(string(err.From), string(err.To))
	h.logger.WithJobID(err.JobID).ErrorWithErr("Invalid job transition", err)
}

// apply mutates job for a permitted transition to status to
func apply(job *models.Job, to models.JobStatus, update Update, now time.Time) {
	job.Status = to
	job.UpdatedAt = now

	switch to {
	case models.JobStatusRunning:
		job.Attempts++
		job.WorkerID = update.WorkerID
		job.StartedAt = &now
	case models.JobStatusQueued:
		job.WorkerID = ""
		job.StartedAt = nil
	case models.JobStatusCompleted, models.JobStatusFailed:
		job.CompletedAt = &now
	}

	if update.Result != nil {
		job.Result = update.Result
	}
	if update.ErrorMsg != "" {
		job.ErrorMsg = update.ErrorMsg
	}
	if update.ActualMinutes > 0 {
		job.ActualMinutes = update.ActualMinutes
	}
	if update.Committed {
		job.Committed = true
	}
}

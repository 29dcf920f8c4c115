// Package admission decides whether a transcription request may run and, if
// so, turns it into a queued job
package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/ledger"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/media"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/tracing"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// DefaultLanguage is used when a submission does not name one
const DefaultLanguage = "th"

// Idempotency binds client Idempotency-Key values to job ids. A claim stays
// pending until the job is admitted and confirmed.
type Idempotency interface {
	ClaimIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) (string, bool, error)
	ConfirmIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string, ttl time.Duration) error
	ForgetIdempotencyKey(ctx context.Context, id models.Identity, key, jobID string) error
}

// Aborter cancels a job that a worker is currently running
type Aborter interface {
	Abort(jobID string) bool
}

// Submission is one upload awaiting admission. Path names a local copy of
// the upload that the controller reads but does not remove.
type Submission struct {
	Identity       models.Identity
	Options        models.JobOptions
	Media          models.MediaDescriptor
	Path           string
	IdempotencyKey string
}

// Result is the outcome of an admitted submission
type Result struct {
	JobID string
	// Duplicate is set when the Idempotency-Key matched an earlier submission
	Duplicate bool
}

// Deps are the collaborators of a Controller. Prober, Idempotency and
// Aborter are optional.
type Deps struct {
	Limits      models.PolicyLimits
	Ledger      ledger.Ledger
	Store       jobstore.Store
	Queue       queue.Queue
	Media       storage.MediaStore
	Prober      media.Prober
	Idempotency Idempotency
	Aborter     Aborter
	Logger      *logging.Logger
}

// Controller admits submissions and cancels jobs
type Controller struct {
	limits  models.PolicyLimits
	ledger  ledger.Ledger
	store   jobstore.Store
	queue   queue.Queue
	media   storage.MediaStore
	prober  media.Prober
	idem    Idempotency
	aborter Aborter
	logger  *logging.Logger

	idemTTL    time.Duration
	pendingTTL time.Duration
}

// NewController creates a controller from deps
func NewController(deps Deps) *Controller {
	return &Controller{
		limits:  deps.Limits,
		ledger:  deps.Ledger,
		store:   deps.Store,
		queue:   deps.Queue,
		media:   deps.Media,
		prober:  deps.Prober,
		idem:    deps.Idempotency,
		aborter: deps.Aborter,
		logger:  deps.Logger,
		idemTTL: 24 * time.Hour,

		pendingTTL: 10 * time.Minute,
	}
}

// SetAborter attaches the in-process worker pool once it exists
func (c *Controller) SetAborter(a Aborter) {
	c.aborter = a
}

// Limits returns the policy the controller enforces
func (c *Controller) Limits() models.PolicyLimits {
	return c.limits
}

// NormalizeOptions fills defaults and checks opts against the policy
func (c *Controller) NormalizeOptions(opts models.JobOptions) (models.JobOptions, error) {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Format == "" {
		opts.Format = models.FormatText
	}
	if opts.ModelSize == "" {
		opts.ModelSize = c.limits.DefaultModel
	}

	if !lo.Contains(models.OutputFormats, opts.Format) {
		return opts, &models.ValidationError{Field: "format", Msg: fmt.Sprintf("must be one of %v", models.OutputFormats)}
	}
	if opts.Diarization && !c.limits.AllowDiarization {
		return opts, models.Deny(models.DenyDiarizationDisabled)
	}
	if len(c.limits.AllowedModels) > 0 && !lo.Contains(c.limits.AllowedModels, opts.ModelSize) {
		return opts, models.Deny(models.DenyInvalidModel)
	}
	return opts, nil
}

// Submit validates, estimates and reserves capacity for sub. On success the
// job exists in state queued and has been published to the worker queue. A
// denied or failed submission leaves no job behind and no capacity held.
func (c *Controller) Submit(ctx context.Context, sub Submission) (*Result, error) {
	span, ctx := tracing.StartSpan(ctx, "admission.submit")
	defer tracing.FinishSpan(span)

	logger := c.logger.WithIdentity(sub.Identity)

	opts, err := c.NormalizeOptions(sub.Options)
	if err != nil {
		c.recordDenial(logger, sub.Identity, 0, err)
		return nil, err
	}

	if limit := c.limits.MaxFileBytes(); limit > 0 && sub.Media.SizeBytes > limit {
		err := models.Deny(models.DenyFileTooLarge)
		c.recordDenial(logger, sub.Identity, 0, err)
		return nil, err
	}

	desc := sub.Media
	if c.prober != nil && sub.Path != "" {
		seconds, perr := c.prober.ProbeDuration(ctx, sub.Path)
		if perr != nil {
			// fall back to the declared duration or the size heuristic
			logger.WithError(perr).Warn("Media probe failed")
		} else {
			desc.ProbedDurationSec = seconds
		}
	}

	estimate := media.EstimateMinutes(desc)
	tracing.SetTag(span, "estimated_minutes", estimate)

	if c.limits.MaxClipMin > 0 && estimate > c.limits.MaxClipMin {
		err := models.Deny(models.DenyClipTooLong)
		c.recordDenial(logger, sub.Identity, estimate, err)
		return nil, err
	}

	jobID := uuid.New().String()

	if sub.IdempotencyKey != "" && c.idem != nil {
		existing, claimed, err := c.idem.ClaimIdempotencyKey(ctx, sub.Identity, sub.IdempotencyKey, jobID, c.pendingTTL)
		if errors.Is(err, models.ErrIdempotencyInFlight) {
			logger.WithJobID(existing).Info("Duplicate submission while the first is still being admitted")
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if !claimed {
			logger.WithJobID(existing).Info("Duplicate submission, returning existing job")
			return &Result{JobID: existing, Duplicate: true}, nil
		}
	}

	if err := c.ledger.Reserve(ctx, sub.Identity, estimate); err != nil {
		c.forget(ctx, sub, jobID)
		c.recordDenial(logger, sub.Identity, estimate, err)
		tracing.LogError(span, err)
		return nil, err
	}

	desc.StorageKey = storage.ObjectKey(jobID, desc.Filename)
	if err := c.putMedia(ctx, sub.Path, desc); err != nil {
		c.unwind(ctx, sub, jobID, estimate, "")
		return nil, err
	}

	job := &models.Job{
		ID:               jobID,
		TenantID:         sub.Identity.TenantID,
		UserID:           sub.Identity.UserID,
		Options:          opts,
		Media:            desc,
		EstimatedMinutes: estimate,
		IdempotencyKey:   sub.IdempotencyKey,
	}
	if _, err := c.store.Create(ctx, job); err != nil {
		c.unwind(ctx, sub, jobID, estimate, desc.StorageKey)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := c.queue.Publish(ctx, jobID); err != nil {
		// the job exists, so failing it releases the reservation via the store
		if _, terr := c.store.Transition(context.WithoutCancel(ctx), jobID, models.JobStatusQueued, models.JobStatusFailed,
			jobstore.Update{ErrorMsg: "enqueue failed"}); terr != nil {
			logger.WithJobID(jobID).ErrorWithErr("Failed to fail unqueued job", terr)
		}
		c.forget(ctx, sub, jobID)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if sub.IdempotencyKey != "" && c.idem != nil {
		if err := c.idem.ConfirmIdempotencyKey(ctx, sub.Identity, sub.IdempotencyKey, jobID, c.idemTTL); err != nil {
			// the job is admitted, a retry after the pending claim lapses gets a new one
			logger.WithJobID(jobID).WithError(err).Warn("Failed to confirm idempotency key")
		}
	}

	metrics.RecordAdmission("", estimate)
	metrics.RecordJobCreated()
	logger.LogAdmission(sub.Identity, jobID, estimate, "")
	tracing.SetTag(span, "job_id", jobID)

	return &Result{JobID: jobID}, nil
}

func (c *Controller) putMedia(ctx context.Context, path string, desc models.MediaDescriptor) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	contentType := desc.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(desc.Filename)
	}
	if err := c.media.Put(ctx, desc.StorageKey, f, desc.SizeBytes, contentType); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

// unwind returns a reservation taken for a submission that never became a job
func (c *Controller) unwind(ctx context.Context, sub Submission, jobID string, estimate int, storageKey string) {
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.WithIdentity(sub.Identity)

	err := c.ledger.Release(ctx, sub.Identity, estimate)
	metrics.RecordRelease(err)
	if err != nil {
		logger.ErrorWithErr("Failed to release reservation", err)
	}
	if storageKey != "" {
		if err := c.media.Delete(ctx, storageKey); err != nil {
			logger.WithError(err).Warn("Failed to delete stored upload")
		}
	}
	c.forget(ctx, sub, jobID)
}

func (c *Controller) forget(ctx context.Context, sub Submission, jobID string) {
	if sub.IdempotencyKey == "" || c.idem == nil {
		return
	}
	if err := c.idem.ForgetIdempotencyKey(context.WithoutCancel(ctx), sub.Identity, sub.IdempotencyKey, jobID); err != nil {
		c.logger.WithIdentity(sub.Identity).WithError(err).Warn("Failed to forget idempotency key")
	}
}

func (c *Controller) recordDenial(logger *logging.Logger, id models.Identity, estimate int, err error) {
	denied, ok := models.AsDenied(err)
	if !ok {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			metrics.RecordAdmission("invalid", estimate)
		}
		return
	}
	metrics.RecordAdmission(string(denied.Reason), estimate)
	logger.LogAdmission(id, "", estimate, denied.Reason)
}

// Cancel stops a job owned by id. A queued job fails immediately and its
// capacity is released. A running job is aborted if a local worker holds it;
// otherwise it runs to completion. Terminal jobs are returned unchanged.
func (c *Controller) Cancel(ctx context.Context, id models.Identity, jobID string) (*models.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Identity() != id {
		return nil, models.ErrNotFound
	}

	if job.Status == models.JobStatusQueued {
		failed, err := c.store.Transition(ctx, jobID, models.JobStatusQueued, models.JobStatusFailed,
			jobstore.Update{ErrorMsg: "cancelled"})
		if err == nil {
			c.logger.WithJobID(jobID).LogJobEvent(jobID, "cancelled", failed.Status, nil)
			return failed, nil
		}
		if !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		// a worker picked it up in the meantime
		if job, err = c.store.Get(ctx, jobID); err != nil {
			return nil, err
		}
	}

	if job.Status == models.JobStatusRunning && c.aborter != nil {
		if c.aborter.Abort(jobID) {
			c.logger.WithJobID(jobID).Info("Abort requested for running job")
		}
	}

	return job, nil
}

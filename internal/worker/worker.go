// Package worker runs admitted transcription jobs against the upstream
// provider
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/media"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/notify"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/transcriber"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/tracing"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

const recoveryLock = "whisperproxy:recovery"

// Committer charges consumed minutes to the usage ledger
type Committer interface {
	Commit(ctx context.Context, id models.Identity, reservedMinutes, actualMinutes int) error
}

// Locker is a distributed mutex, used so only one process runs the
// recovery sweep
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Config holds worker pool settings
type Config struct {
	Count          int
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RecoveryGrace  time.Duration
}

// Deps are the collaborators of a Pool. Notifier and Locker are optional.
type Deps struct {
	Store    jobstore.Store
	Ledger   Committer
	Queue    queue.Queue
	Media    storage.MediaStore
	Provider transcriber.Provider
	Notifier notify.Notifier
	Locker   Locker
	Logger   *logging.Logger
}

// Pool is a fixed set of workers consuming the job queue
type Pool struct {
	cfg      Config
	store    jobstore.Store
	ledger   Committer
	queue    queue.Queue
	media    storage.MediaStore
	provider transcriber.Provider
	notifier notify.Notifier
	locker   Locker
	logger   *logging.Logger
	id       string

	mu          sync.Mutex
	running     map[string]context.CancelFunc
	aborted     map[string]bool
	lost        map[string]bool
	republished map[string]bool

	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool creates a pool. Call Start to begin consuming.
func NewPool(cfg Config, deps Deps) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	host, _ := os.Hostname()
	return &Pool{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		queue:    deps.Queue,
		media:    deps.Media,
		provider: deps.Provider,
		notifier: notifier,
		locker:   deps.Locker,
		logger:   deps.Logger,
		id:       fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		running:  make(map[string]context.CancelFunc),
		aborted:  make(map[string]bool),
		lost:     make(map[string]bool),
		now:      time.Now,
		sleep:    sleepCtx,

		republished: make(map[string]bool),
	}
}

// ID identifies this pool in job records and logs
func (p *Pool) ID() string {
	return p.id
}

// Start runs the recovery sweep and then consumes the queue in the
// background until Stop is called
func (p *Pool) Start(ctx context.Context) error {
	if _, err := p.Recover(ctx); err != nil {
		p.logger.WithWorkerID(p.id).ErrorWithErr("Recovery sweep failed", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.queue.Consume(runCtx, p.cfg.Count, p.handle); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.WithWorkerID(p.id).ErrorWithErr("Queue consumer stopped", err)
		}
	}()

	p.logger.WithWorkerID(p.id).Infof("Worker pool started with %d workers", p.cfg.Count)
	return nil
}

// Stop cancels in-flight work and waits for workers and pending
// notifications to finish. Jobs interrupted here stay running until the
// next recovery sweep.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.pending.Wait()
	p.logger.WithWorkerID(p.id).Info("Worker pool stopped")
}

// Abort cancels a job running on this pool. It reports whether the job was
// found.
func (p *Pool) Abort(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.running[jobID]
	if !ok {
		return false
	}
	p.aborted[jobID] = true
	cancel()
	return true
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.running[jobID] = cancel
	p.mu.Unlock()
}

// untrack reports whether the job was aborted while it ran
func (p *Pool) untrack(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	aborted := p.aborted[jobID]
	delete(p.running, jobID)
	delete(p.aborted, jobID)
	delete(p.lost, jobID)
	return aborted
}

func (p *Pool) isRunning(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[jobID]
	return ok
}

func (p *Pool) isLost(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost[jobID]
}

// touch refreshes the job's updated_at so the recovery sweep leaves it
// alone. It reports false once the job was taken from this pool.
func (p *Pool) touch(ctx context.Context, jobID string) bool {
	err := p.store.Heartbeat(ctx, jobID, p.id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrLeaseLost), errors.Is(err, models.ErrNotFound):
		p.mu.Lock()
		p.lost[jobID] = true
		p.mu.Unlock()
		p.logger.WithWorkerID(p.id).WithJobID(jobID).Warn("Job is no longer held by this worker")
		return false
	default:
		// a store hiccup is retried on the next beat
		p.logger.WithWorkerID(p.id).WithJobID(jobID).WithError(err).Warn("Heartbeat failed")
		return true
	}
}

// heartbeat touches the job every third of the recovery grace until ctx ends,
// cancelling the job when its lease is lost
func (p *Pool) heartbeat(ctx context.Context, jobID string, cancel context.CancelFunc) {
	every := p.cfg.RecoveryGrace / 3
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.touch(ctx, jobID) {
				cancel()
				return
			}
		}
	}
}

// handle is the queue handler. It returns an error only when the delivery
// should be retried.
func (p *Pool) handle(ctx context.Context, msg queue.Message) error {
	logger := p.logger.WithWorkerID(p.id).WithJobID(msg.JobID)

	job, err := p.store.Get(ctx, msg.JobID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("Dropping delivery for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.Status != models.JobStatusQueued {
		logger.Debugf("Skipping duplicate delivery, job is %s", job.Status)
		return nil
	}

	running, err := p.store.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning,
		jobstore.Update{WorkerID: p.id})
	if errors.Is(err, models.ErrInvalidTransition) {
		// another worker or a cancel won the race
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	p.process(ctx, running)
	return nil
}

// process drives a running job to a terminal state
func (p *Pool) process(ctx context.Context, job *models.Job) {
	span, ctx := tracing.StartSpan(ctx, "worker.process")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "job_id", job.ID)

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	logger := p.logger.WithWorkerID(p.id).WithJobID(job.ID)
	logger.LogJobEvent(job.ID, "started", job.Status, map[string]interface{}{"attempt": job.Attempts})

	jobCtx, cancel := context.WithCancel(ctx)
	p.track(job.ID, cancel)
	defer cancel()
	go p.heartbeat(jobCtx, job.ID, cancel)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !p.touch(ctx, job.ID) {
			break
		}

		transcript, err := p.attempt(jobCtx, job, attempt)
		if p.isLost(job.ID) {
			break
		}
		if err == nil {
			p.untrack(job.ID)
			p.complete(ctx, job, transcript)
			return
		}
		lastErr = err

		if p.isAborted(job.ID) {
			break
		}
		if ctx.Err() != nil {
			p.untrack(job.ID)
			logger.Warn("Shutting down mid-job, leaving it for the recovery sweep")
			return
		}
		if !transcriber.IsTransient(err) || attempt == p.cfg.MaxAttempts {
			break
		}

		wait := p.backoff(attempt)
		logger.WithError(err).Warnf("Transient upstream failure, retrying in %s", wait)
		if err := p.sleep(jobCtx, wait); err != nil && !p.isAborted(job.ID) {
			p.untrack(job.ID)
			return
		}
		if p.isAborted(job.ID) {
			break
		}
	}

	if p.isLost(job.ID) {
		p.untrack(job.ID)
		logger.Warn("Dropping job taken over by recovery or cancel")
		return
	}

	msg := lastErr.Error()
	if p.untrack(job.ID) {
		msg = "cancelled"
	}
	tracing.LogError(span, lastErr)
	p.fail(ctx, job, msg)
}

func (p *Pool) isAborted(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted[jobID]
}

func (p *Pool) attempt(ctx context.Context, job *models.Job, attempt int) (*models.Transcript, error) {
	span, ctx := tracing.StartSpan(ctx, "upstream.transcribe")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "attempt", attempt)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	// each attempt needs a fresh reader
	audio, err := p.media.Open(ctx, job.Media.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, &transcriber.UpstreamError{Err: fmt.Errorf("upload missing: %w", err)}
		}
		return nil, err
	}
	defer audio.Close()

	start := time.Now()
	transcript, err := p.provider.Transcribe(ctx, transcriber.Request{
		JobID:       job.ID,
		Filename:    job.Media.Filename,
		ContentType: job.Media.ContentType,
		Audio:       audio,
		Options:     job.Options,
	})
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case err == nil:
	case transcriber.IsTransient(err):
		outcome = "transient"
	default:
		outcome = "fatal"
	}
	metrics.RecordUpstreamAttempt(p.provider.Name(), outcome, elapsed.Seconds())
	p.logger.WithWorkerID(p.id).LogUpstreamCall(job.ID, p.provider.Name(), attempt, elapsed, err)
	tracing.LogError(span, err)

	return transcript, err
}

// complete marks the job completed and only then charges the actual minutes,
// so a lost race never bills twice
func (p *Pool) complete(ctx context.Context, job *models.Job, transcript *models.Transcript) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.WithWorkerID(p.id).WithJobID(job.ID)

	actual := job.EstimatedMinutes
	if transcript.DurationSeconds > 0 {
		actual = media.MinutesFromSeconds(transcript.DurationSeconds)
	}

	done, err := p.store.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted, jobstore.Update{
		Result:        transcript,
		ActualMinutes: actual,
		Committed:     true,
	})
	if err != nil {
		logger.ErrorWithErr("Failed to complete job", err)
		return
	}

	if err := p.ledger.Commit(ctx, job.Identity(), job.EstimatedMinutes, actual); err != nil {
		metrics.RecordError("ledger", "commit")
		logger.WithIdentity(job.Identity()).ErrorWithErr("Failed to commit usage", err)
	} else {
		metrics.MinutesCommittedTotal.Add(float64(actual))
	}

	logger.LogJobEvent(job.ID, "completed", done.Status, map[string]interface{}{
		"estimated_minutes": job.EstimatedMinutes,
		"actual_minutes":    actual,
	})
	p.finished(ctx, done)
}

func (p *Pool) fail(ctx context.Context, job *models.Job, msg string) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.WithWorkerID(p.id).WithJobID(job.ID)

	failed, err := p.store.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusFailed,
		jobstore.Update{ErrorMsg: msg})
	if err != nil {
		logger.ErrorWithErr("Failed to fail job", err)
		return
	}

	logger.LogJobEvent(job.ID, "failed", failed.Status, map[string]interface{}{"error": msg})
	p.finished(ctx, failed)
}

// finished removes the upload and sends the notification in the background
func (p *Pool) finished(ctx context.Context, job *models.Job) {
	if err := p.media.Delete(ctx, job.Media.StorageKey); err != nil {
		p.logger.WithJobID(job.ID).WithError(err).Warn("Failed to delete upload")
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if err := p.notifier.JobFinished(ctx, job); err != nil {
			p.logger.WithJobID(job.ID).WithError(err).Warn("Failed to notify job completion")
		}
	}()
}

func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return d
}

// Recover requeues running jobs abandoned by a crashed worker and
// republishes queued jobs whose delivery may have been lost. Jobs live on
// this pool are skipped, and each stale queued job is republished once per
// pool. Duplicate deliveries are harmless because only one worker can take
// queued -> running.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	logger := p.logger.WithWorkerID(p.id)

	if p.locker != nil {
		ok, err := p.locker.AcquireLock(ctx, recoveryLock, time.Minute)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire recovery lock: %w", err)
		}
		if !ok {
			logger.Debug("Recovery sweep already running elsewhere")
			return 0, nil
		}
		defer p.locker.ReleaseLock(context.WithoutCancel(ctx), recoveryLock)
	}

	cutoff := p.now().Add(-p.cfg.RecoveryGrace)
	recovered := 0

	queued, err := p.store.ListStale(ctx, models.JobStatusQueued, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	for _, job := range queued {
		if p.wasRepublished(job.ID) {
			continue
		}
		if err := p.queue.Publish(ctx, job.ID); err != nil {
			logger.WithJobID(job.ID).ErrorWithErr("Failed to republish queued job", err)
			continue
		}
		p.markRepublished(job.ID)
		recovered++
	}
	p.forgetRepublished(lo.SliceToMap(queued, func(job *models.Job) (string, bool) {
		return job.ID, true
	}))

	stale, err := p.store.ListStale(ctx, models.JobStatusRunning, cutoff)
	if err != nil {
		return recovered, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	stale = lo.Reject(stale, func(job *models.Job, _ int) bool {
		return p.isRunning(job.ID)
	})
	for _, job := range stale {
		if _, err := p.store.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusQueued, jobstore.Update{}); err != nil {
			logger.WithJobID(job.ID).WithError(err).Warn("Failed to requeue stale job")
			continue
		}
		if err := p.queue.Publish(ctx, job.ID); err != nil {
			logger.WithJobID(job.ID).ErrorWithErr("Failed to republish recovered job", err)
			continue
		}
		p.markRepublished(job.ID)
		recovered++
	}

	if recovered > 0 {
		metrics.JobsRecoveredTotal.Add(float64(recovered))
		logger.Infof("Recovery sweep requeued %d jobs", recovered)
	}
	return recovered, nil
}

func (p *Pool) wasRepublished(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.republished[jobID]
}

func (p *Pool) markRepublished(jobID string) {
	p.mu.Lock()
	p.republished[jobID] = true
	p.mu.Unlock()
}

// forgetRepublished drops ids that left the queued backlog
func (p *Pool) forgetRepublished(backlog map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.republished {
		if !backlog[id] {
			delete(p.republished, id)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package admission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/cache"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/ledger"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

var (
	alice = models.Identity{TenantID: "acme", UserID: "alice"}
	bob   = models.Identity{TenantID: "acme", UserID: "bob"}
)

type spyStore struct {
	jobstore.Store
	creates atomic.Int32
}

func (s *spyStore) Create(ctx context.Context, job *models.Job) (string, error) {
	s.creates.Add(1)
	return s.Store.Create(ctx, job)
}

type fakeProber struct {
	seconds float64
	err     error
}

func (p fakeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return p.seconds, p.err
}

type fakeAborter struct {
	aborted []string
}

func (a *fakeAborter) Abort(jobID string) bool {
	a.aborted = append(a.aborted, jobID)
	return true
}

type harness struct {
	ctrl   *Controller
	ledger *ledger.MemoryLedger
	store  *spyStore
	queue  *queue.MemoryQueue
	media  *storage.LocalStore
	upload string
}

func testLimits() models.PolicyLimits {
	return models.PolicyLimits{
		MaxFileMB:        200,
		MaxClipMin:       90,
		RPMPerUser:       30,
		RPMPerTenant:     120,
		ConcurrentUser:   1,
		ConcurrentTenant: 5,
		MinutesPerDay:    120,
		DefaultModel:     "large-v3",
		AllowedModels:    []string{"small", "medium", "large-v3"},
	}
}

func newHarness(t *testing.T, limits models.PolicyLimits, prober fakeProber) *harness {
	t.Helper()

	dir := t.TempDir()
	upload := filepath.Join(dir, "clip.m4a")
	require.NoError(t, os.WriteFile(upload, []byte("fake audio bytes"), 0o644))

	mediaStore, err := storage.NewLocalStore(filepath.Join(dir, "media"))
	require.NoError(t, err)

	l := ledger.NewMemoryLedger(limits)
	store := &spyStore{Store: jobstore.NewMemoryStore(l, logging.NewNopLogger())}
	q := queue.NewMemoryQueue(16)

	deps := Deps{
		Limits:      limits,
		Ledger:      l,
		Store:       store,
		Queue:       q,
		Media:       mediaStore,
		Idempotency: cache.NewMemoryIdempotency(),
		Logger:      logging.NewNopLogger(),
	}
	if prober != (fakeProber{}) {
		deps.Prober = prober
	}

	return &harness{
		ctrl:   NewController(deps),
		ledger: l,
		store:  store,
		queue:  q,
		media:  mediaStore,
		upload: upload,
	}
}

func (h *harness) submission(id models.Identity) Submission {
	return Submission{
		Identity: id,
		Media: models.MediaDescriptor{
			Filename:            "clip.m4a",
			ContentType:         "audio/mp4",
			SizeBytes:           16,
			DeclaredDurationSec: 240,
		},
		Path: h.upload,
	}
}

func requireDenied(t *testing.T, err error, reason models.DenyReason) {
	t.Helper()
	denied, ok := models.AsDenied(err)
	require.True(t, ok, "expected denial, got %v", err)
	assert.Equal(t, reason, denied.Reason)
}

func TestSubmitAdmitsAndQueues(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()

	res, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	job, err := h.store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 4, job.EstimatedMinutes)
	assert.Equal(t, "th", job.Options.Language)
	assert.Equal(t, models.FormatText, job.Options.Format)
	assert.Equal(t, "large-v3", job.Options.ModelSize)
	assert.Equal(t, storage.ObjectKey(res.JobID, "clip.m4a"), job.Media.StorageKey)

	rc, err := h.media.Open(ctx, job.Media.StorageKey)
	require.NoError(t, err)
	rc.Close()

	depth, _ := h.queue.Depth(ctx)
	assert.Equal(t, 1, depth)

	snap, err := h.ledger.Snapshot(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.User.ConcurrentJobs)
	assert.Equal(t, 4, snap.User.ReservedMinutes)
	assert.Equal(t, 1, snap.Tenant.RequestsThisMinute)
}

func TestSecondConcurrentSubmissionIsDenied(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()

	_, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)

	_, err = h.ctrl.Submit(ctx, h.submission(alice))
	requireDenied(t, err, models.DenyConcurrencyLimitedUser)

	// the denied submission never reached the store
	assert.Equal(t, int32(1), h.store.creates.Load())
	depth, _ := h.queue.Depth(ctx)
	assert.Equal(t, 1, depth)

	// another user of the same tenant is unaffected
	_, err = h.ctrl.Submit(ctx, h.submission(bob))
	require.NoError(t, err)
}

func TestPolicyDenialsTouchNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		reason models.DenyReason
	}{
		{
			name:   "diarization disabled",
			mutate: func(s *Submission) { s.Options.Diarization = true },
			reason: models.DenyDiarizationDisabled,
		},
		{
			name:   "model not allowed",
			mutate: func(s *Submission) { s.Options.ModelSize = "gigantic" },
			reason: models.DenyInvalidModel,
		},
		{
			name:   "file too large",
			mutate: func(s *Submission) { s.Media.SizeBytes = 201 * 1024 * 1024 },
			reason: models.DenyFileTooLarge,
		},
		{
			name:   "clip too long",
			mutate: func(s *Submission) { s.Media.DeclaredDurationSec = 91 * 60 },
			reason: models.DenyClipTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testLimits(), fakeProber{})
			ctx := context.Background()

			sub := h.submission(alice)
			tt.mutate(&sub)
			_, err := h.ctrl.Submit(ctx, sub)
			requireDenied(t, err, tt.reason)

			assert.Equal(t, int32(0), h.store.creates.Load())
			snap, _ := h.ledger.Snapshot(ctx, alice)
			assert.Equal(t, models.UsageCounters{}, snap.User)
		})
	}
}

func TestInvalidFormatIsValidationError(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})

	sub := h.submission(alice)
	sub.Options.Format = "docx"
	_, err := h.ctrl.Submit(context.Background(), sub)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "format", verr.Field)
}

func TestProbedDurationWinsOverDeclared(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{seconds: 100 * 60})

	_, err := h.ctrl.Submit(context.Background(), h.submission(alice))
	requireDenied(t, err, models.DenyClipTooLong)
}

func TestProbeFailureFallsBackToDeclared(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{err: errors.New("ffprobe missing")})
	ctx := context.Background()

	res, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, res.JobID)
	assert.Equal(t, 4, job.EstimatedMinutes)
	assert.Zero(t, job.Media.ProbedDurationSec)
}

func TestIdempotencyKeyReturnsExistingJob(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()

	sub := h.submission(alice)
	sub.IdempotencyKey = "req-1"

	first, err := h.ctrl.Submit(ctx, sub)
	require.NoError(t, err)

	second, err := h.ctrl.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	// no second reservation
	snap, _ := h.ledger.Snapshot(ctx, alice)
	assert.Equal(t, 1, snap.User.RequestsThisMinute)
	assert.Equal(t, int32(1), h.store.creates.Load())
}

// gatedLedger holds Reserve until released, then answers with err
type gatedLedger struct {
	*ledger.MemoryLedger
	entered chan struct{}
	release chan struct{}
	err     error
}

func (g *gatedLedger) Reserve(ctx context.Context, id models.Identity, estimatedMinutes int) error {
	close(g.entered)
	<-g.release
	if g.err != nil {
		return g.err
	}
	return g.MemoryLedger.Reserve(ctx, id, estimatedMinutes)
}

func TestIdempotentRetryDuringAdmission(t *testing.T) {
	tests := []struct {
		name     string
		reserve  error
		admitted bool
	}{
		{name: "first submission denied", reserve: models.Deny(models.DenyQuotaExceededDaily)},
		{name: "first submission admitted", admitted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testLimits(), fakeProber{})
			gate := &gatedLedger{
				MemoryLedger: h.ledger,
				entered:      make(chan struct{}),
				release:      make(chan struct{}),
				err:          tt.reserve,
			}
			h.ctrl = NewController(Deps{
				Limits:      testLimits(),
				Ledger:      gate,
				Store:       h.store,
				Queue:       h.queue,
				Media:       h.media,
				Idempotency: cache.NewMemoryIdempotency(),
				Logger:      logging.NewNopLogger(),
			})
			ctx := context.Background()

			sub := h.submission(alice)
			sub.IdempotencyKey = "upload-1"

			type outcome struct {
				res *Result
				err error
			}
			first := make(chan outcome, 1)
			go func() {
				res, err := h.ctrl.Submit(ctx, sub)
				first <- outcome{res, err}
			}()
			<-gate.entered

			// the retry must not be handed an id that may never exist
			res, err := h.ctrl.Submit(ctx, sub)
			require.ErrorIs(t, err, models.ErrIdempotencyInFlight)
			assert.Nil(t, res)

			close(gate.release)
			got := <-first

			if !tt.admitted {
				requireDenied(t, got.err, models.DenyQuotaExceededDaily)
				assert.Equal(t, int32(0), h.store.creates.Load())
				return
			}

			require.NoError(t, got.err)
			replay, err := h.ctrl.Submit(ctx, sub)
			require.NoError(t, err)
			assert.True(t, replay.Duplicate)
			assert.Equal(t, got.res.JobID, replay.JobID)

			job, err := h.store.Get(ctx, replay.JobID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusQueued, job.Status)
		})
	}
}

func TestDeniedSubmissionFreesIdempotencyKey(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()

	blocker, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)

	sub := h.submission(alice)
	sub.IdempotencyKey = "retry-me"
	_, err = h.ctrl.Submit(ctx, sub)
	requireDenied(t, err, models.DenyConcurrencyLimitedUser)

	_, err = h.ctrl.Cancel(ctx, alice, blocker.JobID)
	require.NoError(t, err)

	res, err := h.ctrl.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestPublishFailureFailsJobAndReleases(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()
	h.queue.Close()

	_, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.ErrorIs(t, err, queue.ErrClosed)

	snap, _ := h.ledger.Snapshot(ctx, alice)
	assert.Equal(t, 0, snap.User.ConcurrentJobs)
	assert.Equal(t, 0, snap.User.ReservedMinutes)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	ctx := context.Background()

	res, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)

	_, err = h.ctrl.Cancel(ctx, bob, res.JobID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	job, err := h.ctrl.Cancel(ctx, alice, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.ErrorMsg)

	snap, _ := h.ledger.Snapshot(ctx, alice)
	assert.Equal(t, 0, snap.User.ConcurrentJobs)
	assert.Equal(t, 0, snap.User.ReservedMinutes)

	// cancelling a terminal job is a no-op
	again, err := h.ctrl.Cancel(ctx, alice, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, again.Status)

	_, err = h.ctrl.Cancel(ctx, alice, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelRunningJobAborts(t *testing.T) {
	h := newHarness(t, testLimits(), fakeProber{})
	aborter := &fakeAborter{}
	h.ctrl.SetAborter(aborter)
	ctx := context.Background()

	res, err := h.ctrl.Submit(ctx, h.submission(alice))
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, res.JobID, models.JobStatusQueued, models.JobStatusRunning, jobstore.Update{WorkerID: "w1"})
	require.NoError(t, err)

	job, err := h.ctrl.Cancel(ctx, alice, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, []string{res.JobID}, aborter.aborted)
}

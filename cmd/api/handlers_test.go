package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/admission"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/auth"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/cache"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/ledger"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

var alice = models.Identity{TenantID: "acme", UserID: "alice"}

type testServer struct {
	router   *gin.Engine
	api      *API
	ledger   *ledger.MemoryLedger
	store    *jobstore.MemoryStore
	queue    *queue.MemoryQueue
	verifier *auth.HMACVerifier
	failures map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limits := models.PolicyLimits{
		MaxFileMB:       1,
		ConcurrentUser:  1,
		MinutesPerDay:   60,
		MinutesPerMonth: 600,
		DefaultModel:    "large-v3",
	}
	logger := logging.NewNopLogger()

	led := ledger.NewMemoryLedger(limits)
	store := jobstore.NewMemoryStore(led, logger)
	q := queue.NewMemoryQueue(16)
	media, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctrl := admission.NewController(admission.Deps{
		Limits:      limits,
		Ledger:      led,
		Store:       store,
		Queue:       q,
		Media:       media,
		Idempotency: cache.NewMemoryIdempotency(),
		Logger:      logger,
	})

	ts := &testServer{
		ledger:   led,
		store:    store,
		queue:    q,
		verifier: auth.NewHMACVerifier("test-secret", "acme"),
		failures: map[string]string{},
	}
	ts.api = &API{
		ctrl:    ctrl,
		store:   store,
		ledger:  led,
		health:  func(context.Context) map[string]string { return ts.failures },
		logger:  logger,
		tempDir: t.TempDir(),
	}
	ts.router = setupRouter(ts.api, ts.verifier, nil)
	return ts
}

func (ts *testServer) token(t *testing.T, uid string) string {
	t.Helper()
	token, err := ts.verifier.GenerateToken(uid, "acme", time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, token string, fields map[string]string, size int) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", "clip.mp3")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{0xff}, size))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func authed(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestTranscribeRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(uploadRequest(t, "", nil, 1024))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.DetailMissingToken, decode(t, w)["detail"])
}

func TestTranscribeAndPollStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	w := ts.do(uploadRequest(t, token, map[string]string{
		"language":     "en",
		"format":       "srt",
		"duration_sec": "90",
	}, 2048))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	taskID, _ := decode(t, w)["task_id"].(string)
	require.NotEmpty(t, taskID)

	job, err := ts.store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "en", job.Options.Language)
	assert.Equal(t, 2, job.EstimatedMinutes)
	assert.Equal(t, alice, job.Identity())

	depth, _ := ts.queue.Depth(context.Background())
	assert.Equal(t, 1, depth)

	w = ts.do(authed(http.MethodGet, "/v1/status/"+taskID, token))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, taskID, body["task_id"])
	assert.NotContains(t, body, "text")
}

func TestTranscribeAppliesDefaults(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(uploadRequest(t, ts.token(t, "alice"), nil, 1024))
	require.Equal(t, http.StatusOK, w.Code)

	job, err := ts.store.Get(context.Background(), decode(t, w)["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "th", job.Options.Language)
	assert.Equal(t, models.FormatText, job.Options.Format)
	assert.Equal(t, "large-v3", job.Options.ModelSize)
}

func TestTranscribeDenials(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		size   int
		setup  func(t *testing.T, ts *testServer)
		status int
		detail string
	}{
		{
			name:   "diarization disabled",
			fields: map[string]string{"diarization": "true"},
			size:   1024,
			status: http.StatusForbidden,
			detail: "diarization_disabled",
		},
		{
			name:   "oversized upload",
			size:   2 * 1024 * 1024,
			status: http.StatusRequestEntityTooLarge,
			detail: "file_too_large",
		},
		{
			name: "daily quota",
			size: 1024,
			setup: func(t *testing.T, ts *testServer) {
				ctx := context.Background()
				require.NoError(t, ts.ledger.Reserve(ctx, alice, 60))
				require.NoError(t, ts.ledger.Commit(ctx, alice, 60, 60))
				require.NoError(t, ts.ledger.Release(ctx, alice, 0))
			},
			status: http.StatusTooManyRequests,
			detail: "quota_exceeded_daily",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tt.setup != nil {
				tt.setup(t, ts)
			}

			w := ts.do(uploadRequest(t, ts.token(t, "alice"), tt.fields, tt.size))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.detail, decode(t, w)["detail"])

			snap, _ := ts.ledger.Snapshot(context.Background(), alice)
			assert.Equal(t, 0, snap.User.ConcurrentJobs)
		})
	}
}

func TestTranscribeRejectsUnknownFormat(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(uploadRequest(t, ts.token(t, "alice"), map[string]string{"format": "docx"}, 1024))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["detail"], "format")
}

func TestTranscribeRequiresFile(t *testing.T) {
	ts := newTestServer(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("language", "th"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "alice"))

	w := ts.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSecondSubmissionHitsConcurrencyLimit(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	w := ts.do(uploadRequest(t, token, nil, 1024))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(uploadRequest(t, token, nil, 1024))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "concurrency_limited_user", decode(t, w)["detail"])
}

func TestIdempotencyKeyReturnsSameTask(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	first := uploadRequest(t, token, nil, 1024)
	first.Header.Set("Idempotency-Key", "upload-1")
	w := ts.do(first)
	require.Equal(t, http.StatusOK, w.Code)
	taskID := decode(t, w)["task_id"]

	// a retry is not a second admission, so the concurrency cap does not apply
	retry := uploadRequest(t, token, nil, 1024)
	retry.Header.Set("Idempotency-Key", "upload-1")
	w = ts.do(retry)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taskID, decode(t, w)["task_id"])
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
}

func TestStatusHidesOtherUsersJobs(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(uploadRequest(t, ts.token(t, "alice"), nil, 1024))
	require.Equal(t, http.StatusOK, w.Code)
	taskID := decode(t, w)["task_id"].(string)

	w = ts.do(authed(http.MethodGet, "/v1/status/"+taskID, ts.token(t, "bob")))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["detail"])

	w = ts.do(authed(http.MethodGet, "/v1/status/does-not-exist", ts.token(t, "alice")))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusRendersCompletedTranscript(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.ledger.Reserve(ctx, alice, 1))
	id, err := ts.store.Create(ctx, &models.Job{
		TenantID:         alice.TenantID,
		UserID:           alice.UserID,
		EstimatedMinutes: 1,
		Options:          models.JobOptions{Language: "th", Format: models.FormatSRT},
	})
	require.NoError(t, err)
	_, err = ts.store.Transition(ctx, id, models.JobStatusQueued, models.JobStatusRunning, jobstore.Update{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = ts.store.Transition(ctx, id, models.JobStatusRunning, models.JobStatusCompleted, jobstore.Update{
		Result: &models.Transcript{
			Text:            "sawasdee krub",
			Language:        "th",
			DurationSeconds: 2.5,
			Segments:        []models.Segment{{Start: 0, End: 2.5, Text: "sawasdee krub"}},
		},
		ActualMinutes: 1,
		Committed:     true,
	})
	require.NoError(t, err)

	w := ts.do(authed(http.MethodGet, "/v1/status/"+id, ts.token(t, "alice")))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:02,500\nsawasdee krub\n\n", body["text"])
	assert.Equal(t, 2.5, body["duration"])
	assert.NotContains(t, body, "segments")
}

func TestUsageReportsCountersAndLimits(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.ledger.Reserve(ctx, alice, 5))
	require.NoError(t, ts.ledger.Commit(ctx, alice, 5, 7))
	require.NoError(t, ts.ledger.Release(ctx, alice, 0))

	w := ts.do(authed(http.MethodGet, "/v1/me/usage", ts.token(t, "alice")))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(7), body["minutes_today"])
	assert.Equal(t, float64(7), body["minutes_this_month"])
	assert.Equal(t, float64(0), body["concurrent_jobs"])
	assert.Equal(t, float64(60), body["minutes_per_day"])
	assert.Equal(t, float64(1), body["concurrent_user"])
	assert.Equal(t, "large-v3", body["default_model"])
	assert.Contains(t, body, "tenant")
}

func TestCancelQueuedJobReleasesCapacity(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	w := ts.do(uploadRequest(t, token, nil, 1024))
	require.Equal(t, http.StatusOK, w.Code)
	taskID := decode(t, w)["task_id"].(string)

	w = ts.do(authed(http.MethodDelete, "/v1/jobs/"+taskID, ts.token(t, "bob")))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(authed(http.MethodDelete, "/v1/jobs/"+taskID, token))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "cancelled", body["error"])

	snap, _ := ts.ledger.Snapshot(context.Background(), alice)
	assert.Equal(t, 0, snap.User.ConcurrentJobs)
	assert.Equal(t, 0, snap.User.ReservedMinutes)

	// capacity is free again
	w = ts.do(uploadRequest(t, token, nil, 1024))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	ts.failures["jobstore"] = "connection refused"
	w = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestDeniedStatusMapping(t *testing.T) {
	cases := map[models.DenyReason]int{
		models.DenyRateLimitedUser:          http.StatusTooManyRequests,
		models.DenyRateLimitedTenant:        http.StatusTooManyRequests,
		models.DenyConcurrencyLimitedUser:   http.StatusTooManyRequests,
		models.DenyConcurrencyLimitedTenant: http.StatusTooManyRequests,
		models.DenyQuotaExceededDaily:       http.StatusTooManyRequests,
		models.DenyQuotaExceededMonthly:     http.StatusTooManyRequests,
		models.DenyDiarizationDisabled:      http.StatusForbidden,
		models.DenyFileTooLarge:             http.StatusRequestEntityTooLarge,
		models.DenyClipTooLong:              http.StatusBadRequest,
		models.DenyInvalidModel:             http.StatusBadRequest,
	}
	for reason, status := range cases {
		assert.Equal(t, status, deniedStatus(reason), string(reason))
	}
}

func TestWriteErrorMapsIdempotencyInFlight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := &API{logger: logging.NewNopLogger()}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	api.writeError(c, models.ErrIdempotencyInFlight)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "idempotency_key_in_flight", decode(t, w)["detail"])
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/admission"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/auth"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/ledger"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/middleware"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/transcriber"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// multipartOverhead is the room left above the file cap for form fields
// and part headers
const multipartOverhead = 64 << 10

type API struct {
	ctrl    *admission.Controller
	store   jobstore.Store
	ledger  ledger.Ledger
	health  func(ctx context.Context) map[string]string
	monitor *monitoring.Monitor
	logger  *logging.Logger
	tempDir string
}

func setupRouter(api *API, verifier auth.Verifier, rl *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(api.logger))

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if rl != nil {
		v1.Use(middleware.RateLimit(rl))
	}
	v1.Use(middleware.Authenticate(verifier))
	{
		v1.POST("/transcribe", api.transcribe)
		v1.GET("/status/:task_id", api.getStatus)
		v1.GET("/me/usage", api.getUsage)
		v1.DELETE("/jobs/:task_id", api.cancelJob)
	}

	return router
}

func (api *API) healthCheck(c *gin.Context) {
	if failures := api.health(c.Request.Context()); len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"failures": failures,
		})
		return
	}

	resp := gin.H{"status": "healthy"}
	if api.monitor != nil {
		resp["queue"] = api.monitor.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

type transcribeForm struct {
	Language       string  `form:"language" binding:"omitempty,max=16"`
	Format         string  `form:"format"`
	ModelSize      string  `form:"model_size" binding:"omitempty,max=64"`
	WordTimestamps bool    `form:"word_timestamps"`
	Diarization    bool    `form:"diarization"`
	DurationSec    float64 `form:"duration_sec" binding:"omitempty,gte=0"`
}

func (api *API) transcribe(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": auth.DetailMissingToken})
		return
	}

	if limit := api.ctrl.Limits().MaxFileBytes(); limit > 0 {
		if c.Request.ContentLength > limit+multipartOverhead {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": string(models.DenyFileTooLarge)})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	var form transcribeForm
	if err := c.ShouldBind(&form); err != nil {
		api.writeUploadError(c, err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		api.writeUploadError(c, err)
		return
	}
	metrics.UploadSizeBytes.Observe(float64(file.Size))

	tempPath := filepath.Join(api.tempDir, uuid.New().String()+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, tempPath); err != nil {
		api.logger.WithError(err).Error("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to save file"})
		return
	}
	defer os.Remove(tempPath)

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(file.Filename)
	}

	res, err := api.ctrl.Submit(c.Request.Context(), admission.Submission{
		Identity: identity,
		Options: models.JobOptions{
			Language:       form.Language,
			Format:         form.Format,
			ModelSize:      form.ModelSize,
			WordTimestamps: form.WordTimestamps,
			Diarization:    form.Diarization,
		},
		Media: models.MediaDescriptor{
			Filename:            filepath.Base(file.Filename),
			ContentType:         contentType,
			SizeBytes:           file.Size,
			DeclaredDurationSec: form.DurationSec,
		},
		Path:           tempPath,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		api.writeError(c, err)
		return
	}

	if res.Duplicate {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusOK, gin.H{"task_id": res.JobID})
}

type statusResponse struct {
	TaskID    string           `json:"task_id"`
	Status    models.JobStatus `json:"status"`
	Text      string           `json:"text,omitempty"`
	Error     string           `json:"error,omitempty"`
	Language  string           `json:"language,omitempty"`
	Duration  float64          `json:"duration,omitempty"`
	Segments  []models.Segment `json:"segments,omitempty"`
	Minutes   int              `json:"minutes,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newStatusResponse(job *models.Job) statusResponse {
	resp := statusResponse{
		TaskID:    job.ID,
		Status:    job.Status,
		Error:     job.ErrorMsg,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}

	if job.Status == models.JobStatusCompleted && job.Result != nil {
		resp.Text = transcriber.Render(job.Result, job.Options.Format)
		resp.Language = job.Result.Language
		resp.Duration = job.Result.DurationSeconds
		resp.Minutes = job.ActualMinutes
		switch job.Options.Format {
		case models.FormatJSON, models.FormatVerboseJSON:
			resp.Segments = job.Result.Segments
		}
	}

	return resp
}

func (api *API) getStatus(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)

	job, err := api.store.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		api.writeError(c, err)
		return
	}
	// other identities' jobs are indistinguishable from missing ones
	if job.Identity() != identity {
		api.writeError(c, models.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, newStatusResponse(job))
}

type usageResponse struct {
	models.UsageCounters
	models.PolicyLimits
	Tenant models.UsageCounters `json:"tenant"`
	At     time.Time            `json:"at"`
}

func (api *API) getUsage(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)

	snap, err := api.ledger.Snapshot(c.Request.Context(), identity)
	if err != nil {
		api.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, usageResponse{
		UsageCounters: snap.User,
		PolicyLimits:  api.ctrl.Limits(),
		Tenant:        snap.Tenant,
		At:            snap.At,
	})
}

func (api *API) cancelJob(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)

	job, err := api.ctrl.Cancel(c.Request.Context(), identity, c.Param("task_id"))
	if err != nil {
		api.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newStatusResponse(job))
}

// deniedStatus maps an admission denial to its HTTP status
func deniedStatus(reason models.DenyReason) int {
	switch reason {
	case models.DenyRateLimitedUser, models.DenyRateLimitedTenant,
		models.DenyConcurrencyLimitedUser, models.DenyConcurrencyLimitedTenant,
		models.DenyQuotaExceededDaily, models.DenyQuotaExceededMonthly:
		return http.StatusTooManyRequests
	case models.DenyDiarizationDisabled:
		return http.StatusForbidden
	case models.DenyFileTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func (api *API) writeError(c *gin.Context, err error) {
	if denied, ok := models.AsDenied(err); ok {
		c.JSON(deniedStatus(denied.Reason), gin.H{"detail": string(denied.Reason)})
		return
	}

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": verr.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "not_found"})
	case errors.Is(err, models.ErrIdempotencyInFlight):
		c.JSON(http.StatusConflict, gin.H{"detail": "idempotency_key_in_flight"})
	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "queue_full"})
	default:
		api.logger.WithRequestID(c.GetString(middleware.RequestIDContextKey)).ErrorWithErr("Request failed", err)
		metrics.RecordError("api", "internal")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal_error"})
	}
}

// writeUploadError handles failures reading the multipart body
func (api *API) writeUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": string(models.DenyFileTooLarge)})
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "file is required"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
}

// Package notify delivers job completion webhooks
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Webhook event types
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Notifier is told about every job that reaches a terminal state
type Notifier interface {
	JobFinished(ctx context.Context, job *models.Job) error
}

// Nop discards notifications
type Nop struct{}

// JobFinished does nothing
func (Nop) JobFinished(ctx context.Context, job *models.Job) error {
	return nil
}

// Event is the webhook body
type Event struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      JobData   `json:"data"`
}

// JobData is the job summary carried by an Event
type JobData struct {
	TaskID        string           `json:"task_id"`
	Status        models.JobStatus `json:"status"`
	TenantID      string           `json:"tenant_id"`
	UserID        string           `json:"user_id"`
	Text          string           `json:"text,omitempty"`
	Error         string           `json:"error,omitempty"`
	ActualMinutes int              `json:"actual_minutes,omitempty"`
}

// Webhook posts signed events to a single configured URL
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	logger  *logging.Logger
	backoff []time.Duration
}

// NewWebhook creates a webhook notifier. Deliveries are signed with
// HMAC-SHA256 when secret is set.
func NewWebhook(url, secret string, timeout time.Duration, logger *logging.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		backoff: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
	}
}

// JobFinished delivers the event, retrying failed deliveries with backoff
func (w *Webhook) JobFinished(ctx context.Context, job *models.Job) error {
	event := Event{
		Event:     EventJobFailed,
		Timestamp: time.Now().UTC(),
		Data: JobData{
			TaskID:        job.ID,
			Status:        job.Status,
			TenantID:      job.TenantID,
			UserID:        job.UserID,
			Error:         job.ErrorMsg,
			ActualMinutes: job.ActualMinutes,
		},
	}
	if job.Status == models.JobStatusCompleted {
		event.Event = EventJobCompleted
		if job.Result != nil {
			event.Data.Text = job.Result.Text
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deliveryID := uuid.New().String()
	for attempt := 0; ; attempt++ {
		err = w.deliver(ctx, event.Event, deliveryID, payload)
		if err == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
			return nil
		}

		if attempt >= len(w.backoff) {
			break
		}
		w.logger.WithJobID(job.ID).WithError(err).Warnf("Webhook delivery failed, retrying in %s", w.backoff[attempt])

		select {
		case <-ctx.Done():
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			return ctx.Err()
		case <-time.After(w.backoff[attempt]):
		}
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	return fmt.Errorf("webhook delivery failed: %w", err)
}

func (w *Webhook) deliver(ctx context.Context, event, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "WhisperProxy-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if w.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the X-Webhook-Signature value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

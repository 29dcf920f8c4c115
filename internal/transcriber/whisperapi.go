package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/tracing"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// WhisperAPIProvider proxies to a Whisper HTTP service that accepts a
// multipart upload on POST /transcribe and reports progress on
// GET /status/{task_id}
type WhisperAPIProvider struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	client       *http.Client
}

// NewWhisperAPIProvider creates a provider for the service at baseURL
func NewWhisperAPIProvider(baseURL, apiKey string, pollInterval time.Duration) *WhisperAPIProvider {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &WhisperAPIProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		// per-attempt deadlines come from the caller's context
		client: &http.Client{},
	}
}

// Name identifies the provider in logs and metrics
func (p *WhisperAPIProvider) Name() string {
	return "whisper_api"
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status          string           `json:"status"`
	Text            string           `json:"text"`
	Language        string           `json:"language"`
	Duration        float64          `json:"duration"`
	DurationSeconds float64          `json:"duration_seconds"`
	Segments        []models.Segment `json:"segments"`
	Error           string           `json:"error"`
	Detail          string           `json:"detail"`
}

// Transcribe uploads the audio and polls until the remote task finishes
func (p *WhisperAPIProvider) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	taskID, err := p.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		st, err := p.status(ctx, taskID)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case "completed":
			duration := st.Duration
			if duration == 0 {
				duration = st.DurationSeconds
			}
			return &models.Transcript{
				Text:            st.Text,
				Language:        st.Language,
				DurationSeconds: duration,
				Segments:        st.Segments,
			}, nil
		case "failed", "cancelled":
			msg := st.Error
			if msg == "" {
				msg = st.Detail
			}
			if msg == "" {
				msg = "remote task " + st.Status
			}
			return nil, &UpstreamError{Err: errors.New(msg)}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *WhisperAPIProvider) submit(ctx context.Context, req Request) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// stream the upload instead of buffering it in memory
	go func() {
		pw.CloseWithError(writeForm(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transcribe", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	p.setHeaders(httpReq)
	// redelivered jobs reuse the job id so the service can dedupe
	httpReq.Header.Set("Idempotency-Key", req.JobID)

	var out submitResponse
	if err := p.do(httpReq, &out); err != nil {
		pr.Close()
		return "", err
	}
	if out.TaskID == "" {
		return "", &UpstreamError{Err: errors.New("missing task_id")}
	}
	return out.TaskID, nil
}

func writeForm(mw *multipart.Writer, req Request) error {
	fields := []struct{ name, value string }{
		{"language", req.Options.Language},
		{"format", req.Options.Format},
		{"model_size", req.Options.ModelSize},
		{"word_timestamps", strconv.FormatBool(req.Options.WordTimestamps)},
		{"diarization", strconv.FormatBool(req.Options.Diarization)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
	h.Set("Content-Type", contentType)

	fw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, req.Audio); err != nil {
		return err
	}
	return mw.Close()
}

func (p *WhisperAPIProvider) status(ctx context.Context, taskID string) (*statusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/status/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)

	var out statusResponse
	if err := p.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *WhisperAPIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
}

func (p *WhisperAPIProvider) do(req *http.Request, out interface{}) error {
	tracing.InjectHTTP(req.Context(), req)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, errors.New(strings.TrimSpace(string(b))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

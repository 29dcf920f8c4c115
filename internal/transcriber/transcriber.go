// Package transcriber talks to the upstream speech-to-text providers
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Request is one transcription attempt. Audio is consumed by the call, so
// retries need a fresh reader.
type Request struct {
	JobID       string
	Filename    string
	ContentType string
	Audio       io.Reader
	Options     models.JobOptions
}

// Provider is implemented by every upstream backend
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (*models.Transcript, error)
}

// UpstreamError is a classified provider failure
type UpstreamError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func statusError(code int, err error) *UpstreamError {
	return &UpstreamError{StatusCode: code, Transient: transientStatus(code), Err: err}
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}

// IsTransient reports whether a failed attempt is worth retrying: timeouts,
// network errors, 408, 429 and 5xx responses
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Transient
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

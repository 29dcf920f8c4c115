package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

func newRequest() Request {
	return Request{
		JobID:       "job-123",
		Filename:    "clip.wav",
		ContentType: "audio/wav",
		Audio:       strings.NewReader("RIFF....fake audio"),
		Options: models.JobOptions{
			Language:       "th",
			Format:         models.FormatText,
			ModelSize:      "large-v3",
			WordTimestamps: true,
		},
	}
}

func TestWhisperAPIProviderSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "job-123", r.Header.Get("Idempotency-Key"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "th", r.FormValue("language"))
		assert.Equal(t, "text", r.FormValue("format"))
		assert.Equal(t, "large-v3", r.FormValue("model_size"))
		assert.Equal(t, "true", r.FormValue("word_timestamps"))
		assert.Equal(t, "false", r.FormValue("diarization"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "clip.wav", hdr.Filename)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF....fake audio", string(body))

		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1"})
	})
	mux.HandleFunc("/status/t-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           "completed",
			"text":             "sawasdee krub",
			"duration_seconds": 61.5,
			"segments":         []map[string]interface{}{{"start": 0, "end": 1.2, "text": "sawasdee krub"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewWhisperAPIProvider(srv.URL+"/", "secret", 5*time.Millisecond)
	out, err := p.Transcribe(context.Background(), newRequest())
	require.NoError(t, err)

	assert.Equal(t, "sawasdee krub", out.Text)
	assert.Equal(t, 61.5, out.DurationSeconds)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, 1.2, out.Segments[0].End)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWhisperAPIProviderRemoteFailureIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"task_id":"t-2"}`)
	})
	mux.HandleFunc("/status/t-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","error":"unsupported codec"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewWhisperAPIProvider(srv.URL, "", time.Millisecond)
	_, err := p.Transcribe(context.Background(), newRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec")
	assert.False(t, IsTransient(err))
}

func TestWhisperAPIProviderHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestEntityTooLarge, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p := NewWhisperAPIProvider(srv.URL, "k", time.Millisecond)
			_, err := p.Transcribe(context.Background(), newRequest())
			require.Error(t, err)

			var upErr *UpstreamError
			require.True(t, errors.As(err, &upErr))
			assert.Equal(t, tt.status, upErr.StatusCode)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestWhisperAPIProviderHonoursDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"task_id":"slow"}`)
	})
	mux.HandleFunc("/status/slow", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"processing"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewWhisperAPIProvider(srv.URL, "", 10*time.Millisecond)
	_, err := p.Transcribe(ctx, newRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestWhisperAPIProviderMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	p := NewWhisperAPIProvider(srv.URL, "", time.Millisecond)
	_, err := p.Transcribe(context.Background(), newRequest())
	assert.ErrorContains(t, err, "missing task_id")
}

func TestOpenAIProviderTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, openai.Whisper1, r.FormValue("model"))
		assert.Equal(t, "th", r.FormValue("language"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"task": "transcribe",
			"language": "thai",
			"duration": 3.5,
			"text": "hello world",
			"segments": [{"id": 0, "start": 0, "end": 2, "text": "hello"}, {"id": 1, "start": 2, "end": 3.5, "text": "world"}],
			"words": [{"word": "hello", "start": 0.1, "end": 0.8}, {"word": "world", "start": 2.1, "end": 3.0}]
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "")
	out, err := p.Transcribe(context.Background(), newRequest())
	require.NoError(t, err)

	assert.Equal(t, "hello world", out.Text)
	assert.Equal(t, 3.5, out.DurationSeconds)
	require.Len(t, out.Segments, 2)
	require.Len(t, out.Segments[0].Words, 1)
	assert.Equal(t, "hello", out.Segments[0].Words[0].Word)
	require.Len(t, out.Segments[1].Words, 1)
	assert.Equal(t, "world", out.Segments[1].Words[0].Word)
}

func TestOpenAIProviderErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "whisper-1")
	_, err := p.Transcribe(context.Background(), newRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(io.ErrUnexpectedEOF))
	assert.False(t, IsTransient(errors.New("bad input")))
	assert.True(t, IsTransient(&openai.APIError{HTTPStatusCode: 500}))
	assert.False(t, IsTransient(&openai.APIError{HTTPStatusCode: 401}))
	assert.True(t, IsTransient(&UpstreamError{Transient: true, Err: errors.New("x")}))
}

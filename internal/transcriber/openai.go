package transcriber

import (
	"context"
	"path/filepath"

	"github.com/sashabaranov/go-openai"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// OpenAIProvider transcribes through the OpenAI audio API
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the public API.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Name identifies the provider in logs and metrics
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Transcribe always requests verbose JSON so duration and segments come back
// regardless of the format the client asked for
func (p *OpenAIProvider) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	filename := filepath.Base(req.Filename)
	if filename == "." || filename == "" {
		filename = "audio"
	}

	audioReq := openai.AudioRequest{
		Model:    p.model,
		FilePath: filename,
		Reader:   req.Audio,
		Language: req.Options.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if req.Options.WordTimestamps {
		audioReq.TimestampGranularities = []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		}
	}

	resp, err := p.client.CreateTranscription(ctx, audioReq)
	if err != nil {
		return nil, err
	}

	return toTranscript(resp), nil
}

func toTranscript(resp openai.AudioResponse) *models.Transcript {
	t := &models.Transcript{
		Text:            resp.Text,
		Language:        resp.Language,
		DurationSeconds: resp.Duration,
	}

	for _, s := range resp.Segments {
		t.Segments = append(t.Segments, models.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}

	// words come back flat; attach each to the segment it falls in
	for _, w := range resp.Words {
		word := models.Word{Word: w.Word, Start: w.Start, End: w.End}
		placed := false
		for i := range t.Segments {
			if w.Start >= t.Segments[i].Start && w.Start < t.Segments[i].End {
				t.Segments[i].Words = append(t.Segments[i].Words, word)
				placed = true
				break
			}
		}
		if !placed && len(t.Segments) > 0 {
			last := &t.Segments[len(t.Segments)-1]
			last.Words = append(last.Words, word)
		}
	}

	return t
}

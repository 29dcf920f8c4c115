// Package media inspects uploads to estimate how many minutes they will cost
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// Prober reports the duration of a media file in seconds
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// FFprobe shells out to ffprobe
type FFprobe struct {
	path string
}

// NewFFprobe creates a prober using the ffprobe binary at path
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path}
}

// probeOutput is the subset of ffprobe's JSON we read
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// ProbeDuration returns the container duration, falling back to the
// longest audio stream when the container does not report one
func (f *FFprobe) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, f.path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (float64, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && d > 0 {
		return d, nil
	}

	var longest float64
	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > longest {
			longest = d
		}
	}
	if longest == 0 {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	return longest, nil
}

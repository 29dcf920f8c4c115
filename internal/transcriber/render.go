package transcriber

import (
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Render returns the transcript text in the requested output format. srt
// and vtt are built from segments; every other format, and transcripts
// without segments, yield the plain text.
func Render(t *models.Transcript, format string) string {
	if t == nil {
		return ""
	}
	if len(t.Segments) == 0 {
		return t.Text
	}

	switch format {
	case models.FormatSRT:
		return renderSubtitles(t.Segments, ",", false)
	case models.FormatVTT:
		return renderSubtitles(t.Segments, ".", true)
	}
	return t.Text
}

func renderSubtitles(segments []models.Segment, msSep string, vtt bool) string {
	var b strings.Builder
	if vtt {
		b.WriteString("WEBVTT\n\n")
	}

	for i, s := range segments {
		if !vtt {
			fmt.Fprintf(&b, "%d\n", i+1)
		}
		fmt.Fprintf(&b, "%s --> %s\n", timestamp(s.Start, msSep), timestamp(s.End, msSep))
		text := strings.TrimSpace(s.Text)
		if s.Speaker != "" {
			text = s.Speaker + ": " + text
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// timestamp formats seconds as HH:MM:SS<sep>mmm
func timestamp(seconds float64, sep string) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, sep, ms)
}

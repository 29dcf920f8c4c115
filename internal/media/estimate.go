package media

import (
	"math"
	"strings"

	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

const bytesPerMB = 1024 * 1024

// EstimateMinutes returns the minutes an upload is expected to cost. The
// probed duration wins over the client-declared one; without either the
// size heuristic assumes about 1 MB per minute of compressed audio and
// 5 MB per minute of uncompressed wav/pcm.
func EstimateMinutes(m models.MediaDescriptor) int {
	switch {
	case m.ProbedDurationSec > 0:
		return MinutesFromSeconds(m.ProbedDurationSec)
	case m.DeclaredDurationSec > 0:
		return MinutesFromSeconds(m.DeclaredDurationSec)
	}

	mb := int(math.Max(1, math.Ceil(float64(m.SizeBytes)/bytesPerMB)))
	ratio := 1
	if isUncompressed(m.Filename, m.ContentType) {
		ratio = 5
	}
	return max(1, int(math.Ceil(float64(mb)/float64(ratio))))
}

// MinutesFromSeconds rounds a duration up to whole minutes, at least one
func MinutesFromSeconds(seconds float64) int {
	if seconds <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(seconds/60)))
}

func isUncompressed(filename, contentType string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".wav") ||
		strings.HasSuffix(lower, ".pcm") ||
		strings.HasSuffix(strings.ToLower(contentType), "wav")
}

package job

import (
	"fmt"
	"strings"
)

// Quality is the user-facing quality request of a fetch.
type Quality string

const (
	QualityAudio Quality = "audio"
	Quality360p  Quality = "360p"
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality1440p Quality = "1440p"
	Quality2160p Quality = "2160p"
	QualityBest  Quality = "best"
)

// videoLadder is ordered from the lowest to the highest video quality.
var videoLadder = []Quality{
	Quality360p,
	Quality480p,
	Quality720p,
	Quality1080p,
	Quality1440p,
	Quality2160p,
	QualityBest,
}

// ParseQuality accepts the canonical names plus a few aliases used by chat clients.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "audio-only", "mp3", "m4a":
		return QualityAudio, nil
	case "4k", "2160", "2160p":
		return Quality2160p, nil
	case "2k", "1440", "1440p":
		return Quality1440p, nil
	case "1080", "1080p", "fhd":
		return Quality1080p, nil
	case "720", "720p", "hd":
		return Quality720p, nil
	case "480", "480p", "sd":
		return Quality480p, nil
	case "360", "360p":
		return Quality360p, nil
	case "", "best", "best-available":
		return QualityBest, nil
	}

	return "", fmt.Errorf("unknown quality %q", s)
}

// Rank orders qualities; audio ranks below every video quality.
func (q Quality) Rank() int {
	if q == QualityAudio {
		return 0
	}

	for i, v := range videoLadder {
		if v == q {
			return i + 1
		}
	}

	return -1
}

func (q Quality) Valid() bool {
	return q.Rank() >= 0
}

// Height returns the vertical resolution cap of a video quality, or 0 when
// the quality carries no height constraint.
func (q Quality) Height() int {
	switch q {
	case Quality360p:
		return 360
	case Quality480p:
		return 480
	case Quality720p:
		return 720
	case Quality1080p:
		return 1080
	case Quality1440p:
		return 1440
	case Quality2160p:
		return 2160
	}

	return 0
}

// Exceeds reports whether q ranks above limit.
func (q Quality) Exceeds(limit Quality) bool {
	return q.Rank() > limit.Rank()
}

// Cap lowers q to limit when it ranks above it. Audio is never capped.
func (q Quality) Cap(limit Quality) Quality {
	if q == QualityAudio || !q.Exceeds(limit) {
		return q
	}

	if limit == QualityAudio {
		return QualityAudio
	}

	return limit
}

// Ladder returns q followed by every lower video quality, highest first.
// It never contains a quality above q.
func (q Quality) Ladder() []Quality {
	if q == QualityAudio {
		return []Quality{QualityAudio}
	}

	rank := q.Rank()
	if rank < 1 {
		return nil
	}

	out := make([]Quality, 0, rank)
	for i := rank - 1; i >= 0; i-- {
		out = append(out, videoLadder[i])
	}

	return out
}

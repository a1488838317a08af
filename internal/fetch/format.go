package fetch

import (
	"fmt"
	"strings"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/samber/lo"
)

const audioSelector = "bestaudio[ext=m4a]/bestaudio[ext=mp3]/bestaudio"

// Selector returns the format selector of a single quality. Video selectors
// prefer mp4 with m4a audio and fall back to any container at the same height.
func Selector(q job.Quality) string {
	switch {
	case q == job.QualityAudio:
		return audioSelector
	case q == job.QualityBest:
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}

	h := q.Height()

	return fmt.Sprintf("bestvideo[height<=%[1]d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%[1]d][ext=mp4]/best[height<=%[1]d]", h)
}

// Selectors returns the downgrade ladder for a request: the desired quality
// capped at the plan maximum, then every lower quality. No entry ever exceeds
// the cap.
func Selectors(desired, max job.Quality) []string {
	return lo.Map(desired.Cap(max).Ladder(), func(q job.Quality, _ int) string {
		return Selector(q)
	})
}

// JoinSelectors folds a ladder into one selector string; the tool tries the
// alternatives left to right.
func JoinSelectors(selectors []string) string {
	return strings.Join(lo.Uniq(selectors), "/")
}

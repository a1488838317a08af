package ytdlp

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/italolelis/media_relay/internal/fetch"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 1")

	tests := []struct {
		name   string
		err    error
		stderr string
		want   job.FailureKind
	}{
		{
			name:   "private video",
			err:    exit,
			stderr: "ERROR: [youtube] abc: Private video. Sign in if you've been granted access",
			want:   job.FailureSourceUnavailable,
		},
		{
			name:   "unsupported url",
			err:    exit,
			stderr: "ERROR: Unsupported URL: https://example.com/page",
			want:   job.FailureSourceUnavailable,
		},
		{
			name:   "throttled by source",
			err:    exit,
			stderr: "ERROR: unable to download video data: HTTP Error 429: Too Many Requests",
			want:   job.FailureQuotaExceededAtSource,
		},
		{
			name:   "disk full",
			err:    exit,
			stderr: "ERROR: unable to write data: [Errno 28] No space left on device",
			want:   job.FailureLocalStorageExhausted,
		},
		{
			name:   "connection reset",
			err:    exit,
			stderr: "ERROR: unable to download video data: <urlopen error [Errno 104] Connection reset by peer>",
			want:   job.FailureNetworkTransient,
		},
		{
			name: "binary missing",
			err:  &exec.Error{Name: "yt-dlp", Err: exec.ErrNotFound},
			want: job.FailureWorkerLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err, tt.stderr))
		})
	}
}

func TestTracker_SumsFiles(t *testing.T) {
	tr := newTracker()

	assert.Equal(t, fetch.Progress{Downloaded: 10, Total: 100}, tr.update("v.f137.mp4", 10, 100))
	assert.Equal(t, fetch.Progress{Downloaded: 60, Total: 100}, tr.update("v.f137.mp4", 60, 100))
	assert.Equal(t, fetch.Progress{Downloaded: 65, Total: 150}, tr.update("v.f140.m4a", 5, 50))
}

func TestTracker_UnknownTotal(t *testing.T) {
	tr := newTracker()

	tr.update("a", 10, 100)
	assert.Equal(t, fetch.Progress{Downloaded: 30, Total: 0}, tr.update("b", 20, 0))
}

// Package ytdlp adapts the yt-dlp binary to the fetch.Tool contract.
package ytdlp

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/media_relay/internal/fetch"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/lrstanley/go-ytdlp"
)

const outputTemplate = "%(id)s.%(ext)s"

// Tool runs yt-dlp once per invocation.
type Tool struct {
	executable       string
	progressInterval time.Duration
}

func New(executable string, progressInterval time.Duration) *Tool {
	if progressInterval <= 0 {
		progressInterval = 500 * time.Millisecond
	}

	return &Tool{executable: executable, progressInterval: progressInterval}
}

func (t *Tool) Fetch(ctx context.Context, inv fetch.Invocation, onProgress func(fetch.Progress) error) (fetch.Output, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tr := newTracker()

	cmd := ytdlp.New().
		Format(fetch.JoinSelectors(inv.Selectors)).
		Output(filepath.Join(inv.OutputDir, outputTemplate)).
		NoPlaylist().
		ProgressFunc(t.progressInterval, func(u ytdlp.ProgressUpdate) {
			if err := onProgress(tr.update(u.Filename, int64(u.DownloadedBytes), int64(u.TotalBytes))); err != nil {
				cancel(err)
			}
		})

	if t.executable != "" {
		cmd.SetExecutable(t.executable)
	}

	res, err := cmd.Run(ctx, inv.SourceURL)

	// A progress callback veto or a cancelled parent wins over whatever the
	// killed process reported.
	if cause := context.Cause(ctx); cause != nil {
		return fetch.Output{}, cause
	}

	if err != nil {
		var stderr string
		if res != nil {
			stderr = res.Stderr
		}

		return fetch.Output{}, &fetch.Error{Kind: classify(err, stderr), Op: "run", Err: err}
	}

	return fetch.Output{}, nil
}

// tracker sums progress over every file of one run; merged formats download
// video and audio separately.
type tracker struct {
	mu    sync.Mutex
	files map[string]fetch.Progress
}

func newTracker() *tracker {
	return &tracker{files: make(map[string]fetch.Progress)}
}

func (t *tracker) update(file string, downloaded, total int64) fetch.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files[file] = fetch.Progress{Downloaded: downloaded, Total: total}

	var sum fetch.Progress

	unknown := false

	for _, p := range t.files {
		sum.Downloaded += p.Downloaded
		sum.Total += p.Total

		if p.Total <= 0 {
			unknown = true
		}
	}

	if unknown {
		sum.Total = 0
	}

	return sum
}

var (
	quotaMarkers = []string{
		"http error 429",
		"too many requests",
		"quota exceeded",
		"rate-limit",
		"rate limit",
	}
	unavailableMarkers = []string{
		"unsupported url",
		"video unavailable",
		"private video",
		"http error 404",
		"http error 403",
		"has been removed",
		"is not available",
		"requested format is not available",
		"no video formats found",
		"sign in to confirm",
		"is not a valid url",
	}
	storageMarkers = []string{
		"no space left on device",
		"disk quota exceeded",
	}
)

// classify maps a failed run to a failure kind using yt-dlp's stderr.
// Anything unrecognised is treated as transient.
func classify(err error, stderr string) job.FailureKind {
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, exec.ErrNotFound) {
		return job.FailureWorkerLost
	}

	msg := strings.ToLower(stderr + " " + err.Error())

	switch {
	case containsAny(msg, storageMarkers):
		return job.FailureLocalStorageExhausted
	case containsAny(msg, quotaMarkers):
		return job.FailureQuotaExceededAtSource
	case containsAny(msg, unavailableMarkers):
		return job.FailureSourceUnavailable
	default:
		return job.FailureNetworkTransient
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}

	return false
}

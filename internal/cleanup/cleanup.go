package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/artifact"
	"github.com/italolelis/media_relay/internal/logctx"
)

// DeleteExpiredArtifacts removes staging directories older than keepDuration.
// Directories of jobs for which inUse returns true are left alone.
func DeleteExpiredArtifacts(ctx context.Context, root string, keepDuration time.Duration, inUse func(jobID string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		logger.ErrorContext(ctx, "failed to read staging dir", "dir", root, "err", err)

		return 0, err
	}

	var removed int

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		jobID, ok := artifact.JobIDFromDir(e.Name())
		if !ok {
			continue
		}

		if inUse != nil && inUse(jobID) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // released concurrently
			}

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired artifact", "path", path, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted expired artifact",
			"job_id", jobID,
			"age", humanize.RelTime(info.ModTime(), now, "old", ""),
		)
	}

	return removed, nil
}

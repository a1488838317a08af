package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/artifact"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/telemetry"
)

// Stage drives the fetch tool for one job until an artifact is staged.
type Stage struct {
	tool      Tool
	staging   *artifact.Staging
	policy    job.RetryPolicy
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewStage(tool Tool, staging *artifact.Staging, policy job.RetryPolicy, tel *telemetry.Telemetry) *Stage {
	return &Stage{
		tool:      tool,
		staging:   staging,
		policy:    policy,
		telemetry: tel,
		now:       time.Now,
	}
}

// Run fetches the job's source into a fresh staging directory. On success the
// caller owns the returned artifact; on every failure path the staged bytes
// are already released. Transient failures are retried within the policy
// budget with exponential backoff recorded on the job.
func (s *Stage) Run(ctx context.Context, j *job.Job) (*artifact.Ref, error) {
	ctx, logger := logctx.With(ctx, "stage", "fetch")
	token := j.Token()

	ctx, cancel := token.Bind(ctx)
	defer cancel()

	ref, err := s.staging.Reserve(j.ID)
	if err != nil {
		return nil, newError(job.FailureLocalStorageExhausted, "reserve", err)
	}

	selectors := Selectors(j.Request.DesiredQuality, j.Allowance.MaxQualityTier)
	if len(selectors) == 0 {
		selectors = Selectors(j.Allowance.MaxQualityTier, j.Allowance.MaxQualityTier)
	}

	inv := Invocation{
		SourceURL: j.Request.SourceURL,
		Selectors: selectors,
		OutputDir: ref.Dir(),
	}

	j.ResetRetry(s.policy)

	for {
		if err := token.Err(); err != nil {
			return nil, s.abort(ref, err)
		}

		attempt := j.BeginAttempt()

		err := s.telemetry.InstrumentStage(ctx, "fetch", func(ctx context.Context) error {
			return s.attempt(ctx, j, ref, inv)
		})
		if err == nil {
			logger.InfoContext(ctx, "fetch completed",
				"attempt", attempt,
				"size", humanize.Bytes(uint64(ref.Size())),
			)

			return ref, nil
		}

		if token.Cancelled() || errors.Is(err, job.ErrCancelled) {
			return nil, s.abort(ref, job.ErrCancelled)
		}

		if ctx.Err() != nil {
			return nil, s.abort(ref, fmt.Errorf("fetch interrupted: %w", context.Cause(ctx)))
		}

		kind := job.KindOf(err)
		if !kind.Retryable() {
			logger.WarnContext(ctx, "fetch failed", "attempt", attempt, "kind", kind, "err", err)

			return nil, s.abort(ref, err)
		}

		delay, ok := j.ScheduleRetry(s.now())
		if !ok {
			logger.WarnContext(ctx, "fetch retry budget exhausted", "attempt", attempt, "err", err)

			return nil, s.abort(ref, err)
		}

		logger.InfoContext(ctx, "retrying fetch", "attempt", attempt, "delay", delay, "err", err)

		if err := ref.Reset(); err != nil {
			return nil, s.abort(ref, newError(job.FailureLocalStorageExhausted, "reset", err))
		}

		if err := token.Sleep(ctx, delay); err != nil {
			if errors.Is(err, job.ErrCancelled) {
				return nil, s.abort(ref, job.ErrCancelled)
			}

			return nil, s.abort(ref, fmt.Errorf("fetch interrupted: %w", err))
		}
	}
}

func (s *Stage) attempt(ctx context.Context, j *job.Job, ref *artifact.Ref, inv Invocation) error {
	limit := j.Allowance.SizeLimit()
	token := j.Token()

	out, err := s.tool.Fetch(ctx, inv, func(p Progress) error {
		if err := token.Err(); err != nil {
			return err
		}

		if exceeds(limit, p.Total) || exceeds(limit, p.Downloaded) {
			return newError(job.FailureSizeExceedsAllowance, "progress",
				fmt.Errorf("artifact of %s exceeds allowance of %s",
					humanize.Bytes(uint64(max(p.Total, p.Downloaded))), humanize.Bytes(uint64(limit))))
		}

		j.UpdateProgress(p.Downloaded, p.Total)

		return nil
	})
	if err != nil {
		if artifact.IsNoSpace(err) {
			return newError(job.FailureLocalStorageExhausted, "run", err)
		}

		return err
	}

	if out.Path != "" {
		err = ref.Seal(out.Path)
	} else {
		err = ref.SealLargest()
	}

	if err != nil {
		if errors.Is(err, artifact.ErrNoArtifact) {
			return newError(job.FailureSourceUnavailable, "seal", err)
		}

		return newError(job.FailureLocalStorageExhausted, "seal", err)
	}

	size := ref.Size()
	if exceeds(limit, size) {
		return newError(job.FailureSizeExceedsAllowance, "seal",
			fmt.Errorf("artifact of %s exceeds allowance of %s", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit))))
	}

	j.UpdateProgress(size, size)

	return nil
}

func (s *Stage) abort(ref *artifact.Ref, err error) error {
	if rerr := ref.Release(); rerr != nil {
		return errors.Join(err, fmt.Errorf("failed to release staged artifact: %w", rerr))
	}

	return err
}

func exceeds(limit, n int64) bool {
	return limit >= 0 && n > limit
}

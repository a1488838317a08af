package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/artifact"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 20 * humanize.MByte

// Config controls chunking and per-chunk retries.
type Config struct {
	ChunkSize   int64
	Parallelism int
	Policy      job.RetryPolicy
}

// Stage uploads a staged artifact in chunks and assembles it at the destination.
type Stage struct {
	dest      Destination
	cfg       Config
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewStage(dest Destination, cfg Config, tel *telemetry.Telemetry) *Stage {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return &Stage{
		dest:      dest,
		cfg:       cfg,
		telemetry: tel,
		now:       time.Now,
	}
}

// ChunkCount is the number of chunks of an artifact of the given size. An
// empty artifact still travels as one empty chunk.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}

	return int((size + chunkSize - 1) / chunkSize)
}

// Run delivers the artifact handed off to the job. The artifact is released
// on every exit path.
func (s *Stage) Run(ctx context.Context, j *job.Job) error {
	ctx, logger := logctx.With(ctx, "stage", "transfer", "destination", s.dest.Name())

	ref := j.TakeArtifact()
	if ref == nil {
		return &Error{Kind: job.FailureWorkerLost, ChunkIndex: -1, Err: artifact.ErrNoArtifact}
	}

	defer func() {
		if err := ref.Release(); err != nil {
			logger.ErrorContext(ctx, "failed to release staged artifact", "err", err)
		}
	}()

	token := j.Token()

	ctx, cancel := token.Bind(ctx)
	defer cancel()

	j.ResetRetry(s.cfg.Policy)
	j.BeginAttempt()

	return s.telemetry.InstrumentStage(ctx, "transfer", func(ctx context.Context) error {
		return s.deliver(ctx, j, ref)
	})
}

func (s *Stage) deliver(ctx context.Context, j *job.Job, ref *artifact.Ref) error {
	logger := logctx.LoggerFromContext(ctx)
	token := j.Token()

	if err := token.Err(); err != nil {
		return err
	}

	size := ref.Size()
	target := Target{
		JobID:       j.ID,
		UserID:      j.UserID(),
		Name:        ref.Name(),
		ContentType: ref.ContentType(),
		Size:        size,
		ChunkSize:   s.cfg.ChunkSize,
		ChunkCount:  ChunkCount(size, s.cfg.ChunkSize),
	}

	f, err := ref.Open()
	if err != nil {
		return &Error{Kind: job.FailureLocalStorageExhausted, ChunkIndex: -1, Err: err}
	}
	defer f.Close()

	var sess Session

	err = s.retry(ctx, j, -1, func(ctx context.Context) error {
		var err error

		sess, err = s.dest.Begin(ctx, target)

		return err
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "transfer started",
		"size", humanize.Bytes(uint64(size)),
		"chunks", target.ChunkCount,
	)

	j.SetChunks(0, target.ChunkCount)

	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for i := 0; i < target.ChunkCount; i++ {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// Checked at chunk start; chunks already in flight finish.
			if err := token.Err(); err != nil {
				return err
			}

			chunk, err := readChunk(f, j.ID, i, s.cfg.ChunkSize, size)
			if err != nil {
				return err
			}

			if err := s.retry(gctx, j, i, func(ctx context.Context) error {
				err := sess.UploadChunk(ctx, chunk)
				s.telemetry.RecordChunk(statusOf(err), int64(len(chunk.Data)))

				return err
			}); err != nil {
				return err
			}

			j.SetChunks(int(done.Add(1)), target.ChunkCount)

			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = token.Err()
	}

	if err == nil {
		err = s.retry(ctx, j, -1, func(ctx context.Context) error {
			return sess.Assemble(ctx, target.ChunkCount)
		})
	}

	if err != nil {
		if aerr := sess.Abort(context.WithoutCancel(ctx)); aerr != nil {
			logger.WarnContext(ctx, "failed to abort transfer session", "err", aerr)
		}

		return err
	}

	logger.InfoContext(ctx, "transfer completed", "chunks", target.ChunkCount)

	return nil
}

// retry runs fn with its own bounded retry state, which is exposed on the job
// while retries are pending. Only transient failures are retried; everything
// else, and an exhausted budget, becomes an *Error.
func (s *Stage) retry(ctx context.Context, j *job.Job, index int, fn func(context.Context) error) error {
	token := j.Token()
	state := job.NewRetryState(s.cfg.Policy)

	for {
		if err := token.Err(); err != nil {
			return err
		}

		if state.Begin() > 1 {
			j.ObserveRetry(state)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if token.Cancelled() {
			return job.ErrCancelled
		}

		if ctx.Err() != nil {
			return fmt.Errorf("transfer interrupted: %w", context.Cause(ctx))
		}

		kind := classify(err)
		if !kind.Retryable() {
			return &Error{Kind: kind, ChunkIndex: index, Err: err}
		}

		delay, ok := state.Next(s.now())
		if !ok {
			return &Error{Kind: kind, ChunkIndex: index, Err: err}
		}

		j.ObserveRetry(state)

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "retrying transfer call",
			"chunk", index, "attempt", state.AttemptCount, "delay", delay, "err", err)

		if err := token.Sleep(ctx, delay); err != nil {
			if errors.Is(err, job.ErrCancelled) {
				return err
			}

			return fmt.Errorf("transfer interrupted: %w", err)
		}
	}
}

func classify(err error) job.FailureKind {
	if artifact.IsNoSpace(err) {
		return job.FailureLocalStorageExhausted
	}

	return job.KindOf(err)
}

func readChunk(r io.ReaderAt, jobID string, index int, chunkSize, size int64) (Chunk, error) {
	offset := int64(index) * chunkSize
	n := min(chunkSize, size-offset)

	if n < 0 {
		n = 0
	}

	data := make([]byte, n)

	if _, err := r.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, &Error{Kind: job.FailureLocalStorageExhausted, ChunkIndex: index, Err: err}
	}

	return Chunk{JobID: jobID, Index: index, Offset: offset, Data: data}, nil
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

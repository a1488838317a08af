// Package usage reports finished jobs to the ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/italolelis/media_relay/internal/telemetry"
)

var ErrNotTerminal = errors.New("job is not terminal")

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMaxElapsed      = 15 * time.Minute
)

// Reporter writes exactly one usage delta per terminal job. Delivery is
// at-least-once; the ledger dedupes by job id.
type Reporter struct {
	ledger    storage.Ledger
	telemetry *telemetry.Telemetry
	now       func() time.Time

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

func NewReporter(ledger storage.Ledger, tel *telemetry.Telemetry) *Reporter {
	return &Reporter{
		ledger:          ledger,
		telemetry:       tel,
		now:             time.Now,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		maxElapsed:      defaultMaxElapsed,
	}
}

// DeltaFor builds the ledger entry of a terminal status. Only completed
// jobs count bytes against the daily limit.
func DeltaFor(st job.Status, now time.Time) (storage.UsageDelta, error) {
	d := storage.UsageDelta{UserID: st.UserID, JobID: st.JobID, Timestamp: now.UTC()}

	switch st.State {
	case job.StateCompleted:
		d.Outcome = storage.OutcomeSuccess
		d.BytesCounted = st.BytesTransferred
	case job.StateFailed, job.StateCancelled:
		d.Outcome = storage.OutcomeFailure
	default:
		return storage.UsageDelta{}, fmt.Errorf("%w: %s", ErrNotTerminal, st.State)
	}

	return d, nil
}

// Report appends the job's delta, retrying until the ledger accepts it or
// ctx ends.
func (r *Reporter) Report(ctx context.Context, j *job.Job) error {
	delta, err := DeltaFor(j.Status(), r.now())
	if err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.ledger.AppendUsage(ctx, delta)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.telemetry.RecordUsageDelivery("retry")
			logger.WarnContext(ctx, "failed to append usage, retrying", "err", err, "retry_in", d)
		}),
	)
	if err != nil {
		r.telemetry.RecordUsageDelivery("error")

		return fmt.Errorf("failed to report usage: %w", err)
	}

	r.telemetry.RecordUsageDelivery("success")

	logger.DebugContext(ctx, "usage reported",
		"outcome", delta.Outcome,
		"bytes", humanize.Bytes(uint64(max(delta.BytesCounted, 0))),
	)

	return nil
}

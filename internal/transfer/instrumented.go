package transfer

import (
	"context"

	"github.com/italolelis/media_relay/internal/telemetry"
)

// InstrumentedDestination wraps Destination with telemetry.
type InstrumentedDestination struct {
	dest      Destination
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDestination creates a new instrumented destination.
func NewInstrumentedDestination(dest Destination, tel *telemetry.Telemetry) *InstrumentedDestination {
	return &InstrumentedDestination{dest: dest, telemetry: tel}
}

func (d *InstrumentedDestination) Name() string {
	return d.dest.Name()
}

// Begin opens a session with telemetry.
func (d *InstrumentedDestination) Begin(ctx context.Context, target Target) (Session, error) {
	var sess Session

	err := d.telemetry.InstrumentDestinationOperation(ctx, d.dest.Name(), "begin", func(ctx context.Context) error {
		var err error

		sess, err = d.dest.Begin(ctx, target)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &instrumentedSession{sess: sess, name: d.dest.Name(), telemetry: d.telemetry}, nil
}

type instrumentedSession struct {
	sess      Session
	name      string
	telemetry *telemetry.Telemetry
}

func (s *instrumentedSession) UploadChunk(ctx context.Context, chunk Chunk) error {
	return s.telemetry.InstrumentDestinationOperation(ctx, s.name, "upload_chunk", func(ctx context.Context) error {
		return s.sess.UploadChunk(ctx, chunk)
	})
}

func (s *instrumentedSession) Assemble(ctx context.Context, chunkCount int) error {
	return s.telemetry.InstrumentDestinationOperation(ctx, s.name, "assemble", func(ctx context.Context) error {
		return s.sess.Assemble(ctx, chunkCount)
	})
}

func (s *instrumentedSession) Abort(ctx context.Context) error {
	return s.telemetry.InstrumentDestinationOperation(ctx, s.name, "abort", func(ctx context.Context) error {
		return s.sess.Abort(ctx)
	})
}

package sqlstore

import (
	"context"

	"github.com/italolelis/media_relay/internal/quota"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/italolelis/media_relay/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	store     *Store
	telemetry *telemetry.Telemetry
}

func NewInstrumentedStore(store *Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

// QuotaSnapshot reads the user's snapshot with telemetry.
func (s *InstrumentedStore) QuotaSnapshot(ctx context.Context, userID string) (quota.Snapshot, error) {
	var result quota.Snapshot

	err := s.telemetry.InstrumentDBOperation(ctx, "quota_snapshot", func(ctx context.Context) error {
		var err error

		result, err = s.store.QuotaSnapshot(ctx, userID)

		return err
	})

	return result, err
}

// AppendUsage appends a usage delta with telemetry.
func (s *InstrumentedStore) AppendUsage(ctx context.Context, d storage.UsageDelta) error {
	return s.telemetry.InstrumentDBOperation(ctx, "append_usage", func(ctx context.Context) error {
		return s.store.AppendUsage(ctx, d)
	})
}

func (s *InstrumentedStore) SetPlan(ctx context.Context, userID string, tier quota.Tier) error {
	return s.telemetry.InstrumentDBOperation(ctx, "set_plan", func(ctx context.Context) error {
		return s.store.SetPlan(ctx, userID, tier)
	})
}

func (s *InstrumentedStore) SaveJob(ctx context.Context, r storage.JobRecord) error {
	return s.telemetry.InstrumentDBOperation(ctx, "save_job", func(ctx context.Context) error {
		return s.store.SaveJob(ctx, r)
	})
}

func (s *InstrumentedStore) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	var result storage.JobRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error

		result, err = s.store.GetJob(ctx, jobID)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

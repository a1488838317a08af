// Package sqlstore implements the ledger and job history on SQLite or
// PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/media_relay/internal/quota"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/jmoiron/sqlx"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_deltas (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bytes_counted BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_deltas_user_day ON usage_deltas (user_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS user_plans (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		quality TEXT NOT NULL,
		state TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		bytes_transferred BIGINT NOT NULL DEFAULT 0,
		total_bytes BIGINT NOT NULL DEFAULT 0,
		instance_id TEXT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// Store is a SQL-backed storage.Ledger, storage.PlanRepository and
// storage.JobRepository.
type Store struct {
	db         *sqlx.DB
	instanceID string
	now        func() time.Time
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn, instanceID string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, instanceID: instanceID, now: time.Now}

	if err := s.migrate(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

func (s *Store) QuotaSnapshot(ctx context.Context, userID string) (quota.Snapshot, error) {
	snap := quota.Snapshot{PlanTier: quota.TierFree}

	var tier string

	err := s.db.GetContext(ctx, &tier, s.db.Rebind(`SELECT tier FROM user_plans WHERE user_id = ?`), userID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return quota.Snapshot{}, fmt.Errorf("failed to read plan: %w", err)
	default:
		snap.PlanTier = quota.ParseTier(tier)
	}

	err = s.db.GetContext(ctx, &snap.DailyUsedBytes,
		s.db.Rebind(`SELECT COALESCE(SUM(bytes_counted), 0) FROM usage_deltas WHERE user_id = ? AND recorded_at >= ?`),
		userID, storage.StartOfDay(s.now()),
	)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("failed to sum daily usage: %w", err)
	}

	err = s.db.GetContext(ctx, &snap.ActiveJobCount,
		s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE user_id = ? AND instance_id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`),
		userID, s.instanceID,
	)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("failed to count active jobs: %w", err)
	}

	return snap, nil
}

// AppendUsage inserts the delta once per job id.
func (s *Store) AppendUsage(ctx context.Context, d storage.UsageDelta) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO usage_deltas (job_id, user_id, bytes_counted, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`), d.JobID, d.UserID, d.BytesCounted, string(d.Outcome), d.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}

	return nil
}

func (s *Store) SetPlan(ctx context.Context, userID string, tier quota.Tier) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_plans (user_id, tier, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at
	`), userID, string(tier), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}

	return nil
}

// SaveJob upserts the job's latest status. The owning instance is recorded
// on every write. A record older than the stored one, by Seq, is ignored so
// late writers never move a job backwards.
func (s *Store) SaveJob(ctx context.Context, r storage.JobRecord) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO jobs (job_id, user_id, source_url, quality, state, last_error,
			bytes_transferred, total_bytes, instance_id, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state = excluded.state,
			last_error = excluded.last_error,
			bytes_transferred = excluded.bytes_transferred,
			total_bytes = excluded.total_bytes,
			instance_id = excluded.instance_id,
			seq = excluded.seq,
			updated_at = excluded.updated_at
		WHERE excluded.seq > jobs.seq
	`), r.JobID, r.UserID, r.SourceURL, r.Quality, r.State, r.LastError,
		r.BytesTransferred, r.TotalBytes, s.instanceID, r.Seq, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	var r storage.JobRecord

	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT job_id, user_id, source_url, quality, state, last_error,
			bytes_transferred, total_bytes, instance_id, seq, created_at, updated_at
		FROM jobs WHERE job_id = ?
	`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.JobRecord{}, fmt.Errorf("failed to get job: %w", err)
	}

	return r, nil
}

package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/italolelis/media_relay/internal/quota"
)

var ErrNotFound = errors.New("not found")

// Outcome is the terminal result recorded with a usage delta.
type Outcome string

// A cancelled job is recorded as a failure with zero bytes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// UsageDelta is the single ledger entry written for a finished job.
type UsageDelta struct {
	UserID       string
	JobID        string
	BytesCounted int64
	Outcome      Outcome
	Timestamp    time.Time
}

// JobRecord is the persisted history of a job.
type JobRecord struct {
	JobID            string    `db:"job_id"`
	UserID           string    `db:"user_id"`
	SourceURL        string    `db:"source_url"`
	Quality          string    `db:"quality"`
	State            string    `db:"state"`
	LastError        string    `db:"last_error"`
	BytesTransferred int64     `db:"bytes_transferred"`
	TotalBytes       int64     `db:"total_bytes"`
	InstanceID       string    `db:"instance_id"`
	Seq              int64     `db:"seq"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Ledger is the persistent store of plans and usage.
type Ledger interface {
	// QuotaSnapshot returns the user's usage for the current UTC day and plan tier.
	QuotaSnapshot(ctx context.Context, userID string) (quota.Snapshot, error)
	// AppendUsage records a delta. Appending the same job twice is a no-op.
	AppendUsage(ctx context.Context, delta UsageDelta) error
}

// PlanRepository assigns plan tiers resolved by the payment side.
type PlanRepository interface {
	SetPlan(ctx context.Context, userID string, tier quota.Tier) error
}

// JobRepository keeps job history across restarts.
type JobRepository interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random)
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

package quota

import (
	"errors"
	"testing"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = int64(1 << 20)

func testPlans() PlanTable {
	return PlanTable{
		TierFree: {
			Tier: TierFree, Priority: 1, DailyBytes: 1000 * mb, MaxConcurrent: 1,
			MaxFileSize: 1024 * mb, MaxQuality: job.Quality1080p,
		},
		TierPremium: {
			Tier: TierPremium, Priority: 3, DailyBytes: 10000 * mb, MaxConcurrent: 3,
			MaxFileSize: 2048 * mb, MaxQuality: job.Quality2160p,
		},
		TierUnlimited: {
			Tier: TierUnlimited, Priority: 4, DailyBytes: -1, MaxConcurrent: 5,
			MaxFileSize: -1, MaxQuality: job.QualityBest,
		},
	}
}

func TestGuard_Evaluate(t *testing.T) {
	g := Guard{Plans: testPlans()}

	tests := []struct {
		name       string
		quality    job.Quality
		size       int64
		snap       Snapshot
		wantReason RejectReason
	}{
		{
			name:    "free tier admitted",
			quality: job.Quality720p, size: 100 * mb,
			snap: Snapshot{PlanTier: TierFree},
		},
		{
			name:    "700MB with 500MB remaining is too large",
			quality: job.Quality1080p, size: 700 * mb,
			snap:       Snapshot{PlanTier: TierFree, DailyUsedBytes: 500 * mb},
			wantReason: ReasonFileTooLarge,
		},
		{
			name:    "300MB while already running one job",
			quality: job.Quality1080p, size: 300 * mb,
			snap:       Snapshot{PlanTier: TierFree, DailyUsedBytes: 500 * mb, ActiveJobCount: 1},
			wantReason: ReasonConcurrencyLimitExceeded,
		},
		{
			name:    "daily limit wins over every other violation",
			quality: job.Quality2160p, size: 5000 * mb,
			snap:       Snapshot{PlanTier: TierFree, DailyUsedBytes: 1000 * mb, ActiveJobCount: 4},
			wantReason: ReasonDailyLimitExceeded,
		},
		{
			name:    "concurrency wins over size and quality",
			quality: job.Quality2160p, size: 5000 * mb,
			snap:       Snapshot{PlanTier: TierFree, ActiveJobCount: 1},
			wantReason: ReasonConcurrencyLimitExceeded,
		},
		{
			name:    "size checked before quality",
			quality: job.Quality2160p, size: 2000 * mb,
			snap:       Snapshot{PlanTier: TierFree},
			wantReason: ReasonFileTooLarge,
		},
		{
			name:    "quality above plan",
			quality: job.Quality2160p, size: 10 * mb,
			snap:       Snapshot{PlanTier: TierFree},
			wantReason: ReasonQualityNotInPlan,
		},
		{
			name:    "best is capped rather than rejected",
			quality: job.QualityBest,
			snap:    Snapshot{PlanTier: TierFree},
		},
		{
			name:    "unknown size is admitted",
			quality: job.Quality720p,
			snap:    Snapshot{PlanTier: TierFree, DailyUsedBytes: 999 * mb},
		},
		{
			name:    "unlimited tier ignores daily usage",
			quality: job.QualityBest, size: 50000 * mb,
			snap: Snapshot{PlanTier: TierUnlimited, DailyUsedBytes: 1 << 50},
		},
		{
			name:    "unknown tier falls back to free",
			quality: job.Quality720p,
			snap:       Snapshot{PlanTier: "gold", ActiveJobCount: 1},
			wantReason: ReasonConcurrencyLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate("user-1", tt.quality, tt.size, tt.snap)

			if tt.wantReason == "" {
				require.True(t, d.Admitted(), "unexpected rejection: %v", d.Err)

				return
			}

			require.False(t, d.Admitted())
			assert.Equal(t, tt.wantReason, d.Err.Reason)

			var admErr *AdmissionError
			require.True(t, errors.As(error(d.Err), &admErr))
		})
	}
}

func TestGuard_EvaluateAllowance(t *testing.T) {
	g := Guard{Plans: testPlans(), PerUserMaxConcurrency: 2}

	d := g.Evaluate("user-1", job.QualityBest, 0, Snapshot{PlanTier: TierPremium, DailyUsedBytes: 4000 * mb})
	require.True(t, d.Admitted())

	assert.Equal(t, job.Allowance{
		Tier:                 "premium",
		Priority:             3,
		MaxConcurrentForUser: 2,
		MaxFileSizeBytes:     2048 * mb,
		MaxQualityTier:       job.Quality2160p,
		DailyRemaining:       6000 * mb,
	}, d.Allowance)

	d = g.Evaluate("user-1", job.QualityBest, 0, Snapshot{PlanTier: TierUnlimited})
	require.True(t, d.Admitted())
	assert.Equal(t, 2, d.Allowance.MaxConcurrentForUser)
	assert.Equal(t, int64(-1), d.Allowance.DailyRemaining)
}

func TestGuard_EvaluateDoesNotMutateSnapshot(t *testing.T) {
	g := Guard{Plans: testPlans()}
	snap := Snapshot{PlanTier: TierFree, DailyUsedBytes: 10, ActiveJobCount: 0}
	before := snap

	g.Evaluate("user-1", job.Quality720p, 10, snap)
	g.Evaluate("user-1", job.Quality720p, 10, snap)

	assert.Equal(t, before, snap)
}

func TestSubmitLimiter(t *testing.T) {
	var disabled *SubmitLimiter
	assert.True(t, disabled.Allow("anyone"))
	assert.Nil(t, NewSubmitLimiter(0, 5))

	l := NewSubmitLimiter(1, 2)
	l.Start()
	t.Cleanup(l.Stop)

	assert.True(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-2"))
}

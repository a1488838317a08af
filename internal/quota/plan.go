package quota

import (
	"strings"

	"github.com/italolelis/media_relay/internal/job"
)

// Tier is a resolved plan tier. Payment handling lives elsewhere.
type Tier string

const (
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

func ParseTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

// Plan holds the thresholds of one tier. Negative limits mean unlimited.
type Plan struct {
	Tier          Tier
	Priority      int
	DailyBytes    int64
	MaxConcurrent int
	MaxFileSize   int64
	MaxQuality    job.Quality
}

// PlanTable maps tiers to thresholds. It is always injected from configuration.
type PlanTable map[Tier]Plan

// Lookup returns the plan of tier. Unknown or empty tiers resolve to the free plan.
func (t PlanTable) Lookup(tier Tier) Plan {
	if p, ok := t[tier]; ok {
		return p
	}

	if p, ok := t[TierFree]; ok {
		return p
	}

	// No free plan configured: admit nothing.
	return Plan{Tier: TierFree, DailyBytes: 0, MaxConcurrent: 0, MaxFileSize: 0, MaxQuality: job.QualityAudio}
}

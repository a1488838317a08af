package quota

import (
	"fmt"

	"github.com/italolelis/media_relay/internal/job"
)

// RejectReason is the stable, user-facing admission rejection.
type RejectReason string

const (
	ReasonDailyLimitExceeded       RejectReason = "daily_limit_exceeded"
	ReasonConcurrencyLimitExceeded RejectReason = "concurrency_limit_exceeded"
	ReasonQualityNotInPlan         RejectReason = "quality_not_in_plan"
	ReasonFileTooLarge             RejectReason = "file_too_large"
	ReasonRateLimited              RejectReason = "rate_limited"
)

// AdmissionError is returned to the user immediately and never retried.
type AdmissionError struct {
	Reason RejectReason
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("admission rejected: %s", e.Reason)
	}

	return fmt.Sprintf("admission rejected: %s: %s", e.Reason, e.Detail)
}

// Snapshot is the ledger view of a user at admission time.
type Snapshot struct {
	DailyUsedBytes int64
	ActiveJobCount int
	PlanTier       Tier
}

// Decision is the result of Evaluate. Err is nil when the job is admitted.
type Decision struct {
	Allowance job.Allowance
	Err       *AdmissionError
}

func (d Decision) Admitted() bool {
	return d.Err == nil
}

// Guard evaluates admission against injected thresholds.
type Guard struct {
	Plans PlanTable
	// PerUserMaxConcurrency caps every plan's concurrency, 0 means no extra cap.
	PerUserMaxConcurrency int
}

// Evaluate decides admission for one request. It has no side effects.
// Checks run in a fixed order: daily limit, concurrency, size, quality.
// A size of 0 means unknown and is enforced later while fetching.
func (g Guard) Evaluate(userID string, quality job.Quality, size int64, snap Snapshot) Decision {
	plan := g.Plans.Lookup(snap.PlanTier)

	maxConcurrent := plan.MaxConcurrent
	if g.PerUserMaxConcurrency > 0 && (maxConcurrent < 0 || g.PerUserMaxConcurrency < maxConcurrent) {
		maxConcurrent = g.PerUserMaxConcurrency
	}

	dailyRemaining := int64(-1)
	if plan.DailyBytes >= 0 {
		dailyRemaining = max(plan.DailyBytes-snap.DailyUsedBytes, 0)
	}

	reject := func(reason RejectReason, format string, args ...any) Decision {
		return Decision{Err: &AdmissionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}}
	}

	if dailyRemaining == 0 {
		return reject(ReasonDailyLimitExceeded, "user %s used %d of %d bytes today", userID, snap.DailyUsedBytes, plan.DailyBytes)
	}

	if maxConcurrent >= 0 && snap.ActiveJobCount >= maxConcurrent {
		return reject(ReasonConcurrencyLimitExceeded, "user %s has %d active jobs, limit %d", userID, snap.ActiveJobCount, maxConcurrent)
	}

	if size > 0 {
		if plan.MaxFileSize >= 0 && size > plan.MaxFileSize {
			return reject(ReasonFileTooLarge, "%d bytes exceeds the plan limit of %d", size, plan.MaxFileSize)
		}

		if dailyRemaining >= 0 && size > dailyRemaining {
			return reject(ReasonFileTooLarge, "%d bytes exceeds the %d bytes remaining today", size, dailyRemaining)
		}
	}

	if quality != job.QualityBest && quality.Exceeds(plan.MaxQuality) {
		return reject(ReasonQualityNotInPlan, "%s is above the plan maximum %s", quality, plan.MaxQuality)
	}

	return Decision{
		Allowance: job.Allowance{
			Tier:                 string(plan.Tier),
			Priority:             plan.Priority,
			MaxConcurrentForUser: maxConcurrent,
			MaxFileSizeBytes:     plan.MaxFileSize,
			MaxQualityTier:       plan.MaxQuality,
			DailyRemaining:       dailyRemaining,
		},
	}
}

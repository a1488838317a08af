package job

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds local retries of a stage.
type RetryPolicy struct {
	// Budget is the number of retries allowed after the first attempt.
	Budget    int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the backoff randomization factor, 0 disables it.
	Jitter float64
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter

	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	b.Reset()

	return b
}

// RetryState is the explicit bounded-attempt state of one retried unit of work.
type RetryState struct {
	AttemptCount  int
	NextAttemptAt time.Time

	budget  int
	backoff backoff.BackOff
}

func NewRetryState(p RetryPolicy) *RetryState {
	return &RetryState{
		budget:  p.Budget,
		backoff: p.newBackOff(),
	}
}

// Begin records the start of an attempt and returns its 1-based number.
func (r *RetryState) Begin() int {
	r.AttemptCount++
	r.NextAttemptAt = time.Time{}

	return r.AttemptCount
}

// Next schedules the following attempt. It returns false once the budget is spent.
func (r *RetryState) Next(now time.Time) (time.Duration, bool) {
	if r.AttemptCount > r.budget {
		return 0, false
	}

	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}

	r.NextAttemptAt = now.Add(d)

	return d, true
}

// Retries is the number of attempts made after the first one.
func (r *RetryState) Retries() int {
	if r.AttemptCount == 0 {
		return 0
	}

	return r.AttemptCount - 1
}

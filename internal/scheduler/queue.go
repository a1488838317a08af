package scheduler

import (
	"time"

	"github.com/italolelis/media_relay/internal/job"
)

type entry struct {
	job        *job.Job
	seq        uint64
	enqueuedAt time.Time
}

// Queue orders pending jobs by plan priority plus an aging boost. A job
// gains one priority level for every boostInterval it waits, which bounds
// how long a free-tier job can be overtaken. Ties go to the earlier job.
//
// Queue is not safe for concurrent use; Scheduler serializes access.
type Queue struct {
	boostInterval time.Duration
	entries       []*entry
	seq           uint64
}

func NewQueue(boostInterval time.Duration) *Queue {
	return &Queue{boostInterval: boostInterval}
}

func (q *Queue) Len() int {
	return len(q.entries)
}

// Push appends a queued job.
func (q *Queue) Push(j *job.Job, now time.Time) {
	q.seq++
	q.entries = append(q.entries, &entry{job: j, seq: q.seq, enqueuedAt: now})
}

// Remove drops the job with the given id and returns it.
func (q *Queue) Remove(jobID string) *job.Job {
	for i, e := range q.entries {
		if e.job.ID == jobID {
			q.removeAt(i)

			return e.job
		}
	}

	return nil
}

// Next removes and returns the highest priority job whose user canRun.
// Jobs of users without a free slot are skipped, not waited on.
func (q *Queue) Next(now time.Time, canRun func(userID string) bool) *job.Job {
	best := -1

	var bestPriority int64

	for i, e := range q.entries {
		if !canRun(e.job.UserID()) {
			continue
		}

		p := q.priority(e, now)
		if best < 0 || p > bestPriority || (p == bestPriority && e.seq < q.entries[best].seq) {
			best, bestPriority = i, p
		}
	}

	if best < 0 {
		return nil
	}

	j := q.entries[best].job
	q.removeAt(best)

	return j
}

func (q *Queue) priority(e *entry, now time.Time) int64 {
	p := int64(e.job.Allowance.Priority)

	if q.boostInterval > 0 {
		if wait := now.Sub(e.enqueuedAt); wait > 0 {
			p += int64(wait / q.boostInterval)
		}
	}

	return p
}

func (q *Queue) removeAt(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

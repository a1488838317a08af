package scheduler

import (
	"sync"
	"time"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/quota"
)

// Config holds the concurrency knobs of the worker pool.
type Config struct {
	GlobalMaxConcurrency    int
	PerUserMaxConcurrency   int
	StarvationBoostInterval time.Duration
}

// Stats is a point-in-time view used for metrics.
type Stats struct {
	Queued int
	Active int
	// Flagged counts slots flagged for a health check since start.
	Flagged int
}

// Scheduler owns the job queue and the slot counters behind one lock. The
// lock only guards in-memory bookkeeping and is never held across I/O.
type Scheduler struct {
	mu       sync.Mutex
	guard    quota.Guard
	queue    *Queue
	slots    *Slots
	reserved map[string]int
	jobs     map[string]*job.Job
	ready    chan struct{}
	now      func() time.Time
}

func New(cfg Config, guard quota.Guard) *Scheduler {
	if cfg.PerUserMaxConcurrency > 0 {
		guard.PerUserMaxConcurrency = cfg.PerUserMaxConcurrency
	}

	return &Scheduler{
		guard:    guard,
		queue:    NewQueue(cfg.StarvationBoostInterval),
		slots:    NewSlots(cfg.GlobalMaxConcurrency, cfg.PerUserMaxConcurrency),
		reserved: make(map[string]int),
		jobs:     make(map[string]*job.Job),
		ready:    make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Ready is signalled whenever dispatch may make progress.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Admit evaluates the request and, when admitted, reserves a per-user
// concurrency unit and enqueues the job built from the allowance, all under
// the lock. The live reservation count is authoritative for concurrency so
// two requests can never both observe the same free unit.
func (s *Scheduler) Admit(req job.FetchRequest, snap quota.Snapshot, build func(job.Allowance) *job.Job) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ActiveJobCount = max(snap.ActiveJobCount, s.reserved[req.UserID])

	d := s.guard.Evaluate(req.UserID, req.DesiredQuality, req.EstimatedSize, snap)
	if !d.Admitted() {
		return nil, d.Err
	}

	j := build(d.Allowance)

	s.reserved[req.UserID]++
	s.jobs[j.ID] = j
	s.queue.Push(j, s.now())
	s.signal()

	return j, nil
}

// Dispatch picks the next runnable job, takes a slot for it and moves it to
// Fetching in a single critical section. It returns false when nothing can run.
func (s *Scheduler) Dispatch() (*job.Job, *Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		j := s.queue.Next(s.now(), s.slots.CanAcquire)
		if j == nil {
			return nil, nil, false
		}

		slot, ok := s.slots.Acquire(j.UserID())
		if !ok {
			s.queue.Push(j, s.now())

			return nil, nil, false
		}

		if err := j.Transition(job.StateAdmitted); err != nil {
			s.slots.Release(slot)
			s.unreserveLocked(j)

			continue
		}

		if err := j.Transition(job.StateFetching); err != nil {
			s.slots.Release(slot)
			s.unreserveLocked(j)

			continue
		}

		return j, slot, true
	}
}

// Finish returns the job's slot, if any, and its reservation.
func (s *Scheduler) Finish(j *job.Job, slot *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots.Release(slot)
	s.unreserveLocked(j)
	s.signal()
}

// FlagSlot records that the job holding slot failed in a way that points at
// the host, not the job. The slot itself is still returned through Finish.
func (s *Scheduler) FlagSlot(slot *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots.Flag(slot)
}

// CancelQueued cancels a job that has not been dispatched yet.
func (s *Scheduler) CancelQueued(jobID string) (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.queue.Remove(jobID)
	if j == nil {
		return nil, false
	}

	_ = j.Transition(job.StateCancelled)
	s.unreserveLocked(j)
	s.signal()

	return j, true
}

// Job returns a non-terminal job by id.
func (s *Scheduler) Job(jobID string) (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]

	return j, ok
}

// InUse reports whether a job still owns staged data.
func (s *Scheduler) InUse(jobID string) bool {
	_, ok := s.Job(jobID)

	return ok
}

// ActiveJobs returns the number of non-terminal jobs of a user.
func (s *Scheduler) ActiveJobs(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reserved[userID]
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{Queued: s.queue.Len(), Active: s.slots.Active(), Flagged: s.slots.Flagged()}
}

func (s *Scheduler) unreserveLocked(j *job.Job) {
	if _, ok := s.jobs[j.ID]; !ok {
		return
	}

	delete(s.jobs, j.ID)

	s.reserved[j.UserID()]--
	if s.reserved[j.UserID()] <= 0 {
		delete(s.reserved, j.UserID())
	}
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

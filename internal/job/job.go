package job

import (
	"sync"
	"time"

	"github.com/italolelis/media_relay/internal/artifact"
)

// FetchRequest is the immutable request delivered by the front-end.
type FetchRequest struct {
	RequestID      string  `json:"request_id"`
	UserID         string  `json:"user_id"`
	SourceURL      string  `json:"source_url"`
	DesiredQuality Quality `json:"desired_quality"`
	// EstimatedSize is the size known before fetching, 0 when unknown.
	EstimatedSize int64     `json:"estimated_size,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Allowance holds the limits computed at admission. It never changes afterwards.
// Negative byte limits mean unlimited.
type Allowance struct {
	Tier                 string  `json:"tier"`
	Priority             int     `json:"priority"`
	MaxConcurrentForUser int     `json:"max_concurrent_for_user"`
	MaxFileSizeBytes     int64   `json:"max_file_size_bytes"`
	MaxQualityTier       Quality `json:"max_quality_tier"`
	DailyRemaining       int64   `json:"daily_remaining"`
}

// SizeLimit is the largest artifact the job may produce, or -1 when unlimited.
func (a Allowance) SizeLimit() int64 {
	limit := int64(-1)

	for _, l := range []int64{a.MaxFileSizeBytes, a.DailyRemaining} {
		if l >= 0 && (limit < 0 || l < limit) {
			limit = l
		}
	}

	return limit
}

// Job is the execution record of one FetchRequest. Only the slot running the
// job mutates it; readers take snapshots through Status.
type Job struct {
	ID        string
	Request   FetchRequest
	Allowance Allowance
	CreatedAt time.Time

	token *CancelToken

	mu               sync.Mutex
	state            State
	lastError        FailureKind
	bytesTransferred int64
	totalBytes       int64
	chunksDone       int
	chunkCount       int
	retry            *RetryState
	unitAttempts     int
	unitNextAt       time.Time
	artifact         *artifact.Ref
	updatedAt        time.Time
	seq              int64
	onChange         func(Status)
}

// New creates a queued job.
func New(id string, req FetchRequest, allowance Allowance) *Job {
	now := time.Now()

	return &Job{
		ID:        id,
		Request:   req,
		Allowance: allowance,
		CreatedAt: now,
		token:     NewCancelToken(),
		state:     StateQueued,
		retry:     NewRetryState(RetryPolicy{}),
		updatedAt: now,
	}
}

// OnChange registers the observer notified after every change. It must be
// set before the job is shared. The observer runs under the job lock so
// statuses arrive in order; it must not block or call back into the job.
func (j *Job) OnChange(fn func(Status)) {
	j.onChange = fn
}

func (j *Job) Token() *CancelToken {
	return j.token
}

func (j *Job) UserID() string {
	return j.Request.UserID
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.state
}

func (j *Job) LastError() FailureKind {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.lastError
}

// Transition moves the job to the next lifecycle state.
func (j *Job) Transition(to State) error {
	return j.update(func() error {
		if err := checkTransition(j.state, to); err != nil {
			return err
		}

		j.state = to

		return nil
	})
}

// Fail moves the job to Failed with its authoritative classification.
func (j *Job) Fail(kind FailureKind) error {
	return j.update(func() error {
		if err := checkTransition(j.state, StateFailed); err != nil {
			return err
		}

		j.state = StateFailed
		j.lastError = kind

		return nil
	})
}

// HandOff passes ownership of the staged artifact to the transfer side and
// moves the job to Transferring in one step.
func (j *Job) HandOff(ref *artifact.Ref) error {
	size := ref.Size()

	return j.update(func() error {
		if err := checkTransition(j.state, StateTransferring); err != nil {
			return err
		}

		j.state = StateTransferring
		j.artifact = ref

		if size > j.totalBytes {
			j.totalBytes = size
		}

		j.bytesTransferred = j.totalBytes

		return nil
	})
}

// TakeArtifact returns the handed-off artifact and clears it from the job.
func (j *Job) TakeArtifact() *artifact.Ref {
	j.mu.Lock()
	defer j.mu.Unlock()

	ref := j.artifact
	j.artifact = nil

	return ref
}

// UpdateProgress records fetch progress. Both counters only grow and the
// transferred count never passes the total.
func (j *Job) UpdateProgress(done, total int64) {
	_ = j.update(func() error {
		if total > j.totalBytes {
			j.totalBytes = total
		}

		if j.totalBytes > 0 && done > j.totalBytes {
			done = j.totalBytes
		}

		if done > j.bytesTransferred {
			j.bytesTransferred = done
		}

		if j.bytesTransferred > j.totalBytes {
			j.totalBytes = j.bytesTransferred
		}

		return nil
	})
}

// SetChunks records upload progress in chunks.
func (j *Job) SetChunks(done, count int) {
	_ = j.update(func() error {
		j.chunkCount = count

		if done > j.chunksDone {
			j.chunksDone = done
		}

		return nil
	})
}

// ResetRetry starts a fresh retry budget for the next stage.
func (j *Job) ResetRetry(p RetryPolicy) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.retry = NewRetryState(p)
	j.unitAttempts = 0
	j.unitNextAt = time.Time{}
}

// BeginAttempt records a stage attempt and returns its 1-based number.
func (j *Job) BeginAttempt() int {
	var n int

	_ = j.update(func() error {
		n = j.retry.Begin()

		return nil
	})

	return n
}

// ScheduleRetry computes the delay before the next attempt. It returns false
// when the retry budget is exhausted.
func (j *Job) ScheduleRetry(now time.Time) (time.Duration, bool) {
	var (
		d  time.Duration
		ok bool
	)

	_ = j.update(func() error {
		d, ok = j.retry.Next(now)

		return nil
	})

	return d, ok
}

// ObserveRetry exposes the retry state of a unit of work retried on its own
// budget, such as one chunk, until the stage's retry state is reset.
func (j *Job) ObserveRetry(r *RetryState) {
	_ = j.update(func() error {
		j.unitAttempts = r.AttemptCount
		j.unitNextAt = r.NextAttemptAt

		return nil
	})
}

// Status returns a snapshot for readers outside the owning slot.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.statusLocked()
}

func (j *Job) statusLocked() Status {
	s := Status{
		JobID:            j.ID,
		UserID:           j.Request.UserID,
		State:            j.state,
		BytesTransferred: j.bytesTransferred,
		TotalBytes:       j.totalBytes,
		ChunksDone:       j.chunksDone,
		ChunkCount:       j.chunkCount,
		AttemptCount:     j.retry.AttemptCount,
		LastError:        j.lastError,
		UpdatedAt:        j.updatedAt,
		Seq:              j.seq,
	}

	next := j.retry.NextAttemptAt

	if j.unitAttempts > 0 {
		s.AttemptCount = max(s.AttemptCount, j.unitAttempts)
		next = j.unitNextAt
	}

	if !next.IsZero() {
		s.NextAttemptAt = &next
	}

	return s
}

func (j *Job) update(fn func() error) error {
	j.mu.Lock()

	if err := fn(); err != nil {
		j.mu.Unlock()

		return err
	}

	j.updatedAt = time.Now()
	j.seq++

	if j.onChange != nil {
		j.onChange(j.statusLocked())
	}

	j.mu.Unlock()

	return nil
}

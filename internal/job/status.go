package job

import "time"

// Status is the snapshot pushed to subscribers on every job change.
type Status struct {
	JobID            string      `json:"job_id"`
	UserID           string      `json:"user_id"`
	State            State       `json:"state"`
	BytesTransferred int64       `json:"bytes_transferred"`
	TotalBytes       int64       `json:"total_bytes"`
	ChunksDone       int         `json:"chunks_done,omitempty"`
	ChunkCount       int         `json:"chunk_count,omitempty"`
	AttemptCount     int         `json:"attempt_count,omitempty"`
	NextAttemptAt    *time.Time  `json:"next_attempt_at,omitempty"`
	LastError        FailureKind `json:"last_error,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
	// Seq grows with every change of the job; a higher Seq is a newer status.
	Seq int64 `json:"seq"`
}

func (s Status) Terminal() bool {
	return s.State.Terminal()
}

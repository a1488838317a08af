package job

import (
	"errors"
)

// ErrCancelled is returned by stages that stopped because the job was cancelled.
var ErrCancelled = errors.New("job cancelled")

// FailureKind is the closed set of classifications a failed job can carry.
// Raw tool output never crosses a stage boundary; it is mapped to one of these.
type FailureKind string

const (
	FailureNone                  FailureKind = ""
	FailureSourceUnavailable     FailureKind = "source_unavailable"
	FailureNetworkTransient      FailureKind = "network_transient"
	FailureQuotaExceededAtSource FailureKind = "quota_exceeded_at_source"
	FailureSizeExceedsAllowance  FailureKind = "size_exceeds_allowance"
	FailureDestinationRejected   FailureKind = "destination_rejected"
	FailureLocalStorageExhausted FailureKind = "local_storage_exhausted"
	FailureWorkerLost            FailureKind = "worker_lost"
)

// Retryable reports whether a stage may retry locally after this failure.
func (k FailureKind) Retryable() bool {
	return k == FailureNetworkTransient
}

// HealthSignal reports whether the failure must be raised to operators in
// addition to the user-facing classification.
func (k FailureKind) HealthSignal() bool {
	return k == FailureLocalStorageExhausted || k == FailureWorkerLost
}

// Classified is implemented by stage errors that carry a failure kind.
type Classified interface {
	FailureKind() FailureKind
}

// KindOf returns the failure kind carried by err. Unclassified errors are
// treated as transient network failures, the only kind that is retried.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var c Classified
	if errors.As(err, &c) {
		return c.FailureKind()
	}

	return FailureNetworkTransient
}

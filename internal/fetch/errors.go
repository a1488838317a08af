package fetch

import (
	"fmt"

	"github.com/italolelis/media_relay/internal/job"
)

// Error is a classified fetch failure. Err keeps the raw tool output for logs
// only; callers branch on Kind.
type Error struct {
	Kind job.FailureKind
	Op   string // The step that failed (e.g., "reserve", "run", "seal")
	Err  error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s failed: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("fetch %s failed: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) FailureKind() job.FailureKind {
	return e.Kind
}

func newError(kind job.FailureKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

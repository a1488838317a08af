package job

import (
	"context"
	"sync"
	"time"
)

// CancelToken is a cooperative cancellation flag. Stages check it at chunk
// starts and in progress callbacks.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the flag. It is safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns ErrCancelled once the token fired.
func (t *CancelToken) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}

	return nil
}

// Bind derives a context that is cancelled when either the parent is done or the token fires.
func (t *CancelToken) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		select {
		case <-t.done:
			cancel(ErrCancelled)
		case <-ctx.Done():
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}

// Sleep waits for d unless the token fires or ctx ends first.
func (t *CancelToken) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-t.done:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

package procpool

import (
	"context"
	"time"
)

// Future represents an accepted submission. It supports waiting for the
// result, cancelling, and inspecting completion state.
type Future interface {
	// Await blocks until the submission is processed, cancelled, or the
	// shell died during execution, returning the queue-delay-plus-execution
	// duration. ctx cancellation returns ctx.Err().
	Await(ctx context.Context) (time.Duration, error)

	// AwaitTimeout is Await with a relative deadline. Returns ErrTimeout
	// if the submission has not completed within d.
	AwaitTimeout(d time.Duration) (time.Duration, error)

	// Cancel removes the submission from the queue if it is still
	// queued; if already running, it cancels only on a best-effort basis.
	// Returns whether cancellation took effect.
	Cancel(mayInterrupt bool) bool

	// IsCancelled reports whether the submission was cancelled.
	IsCancelled() bool

	// IsDone reports whether the submission has completed (successfully,
	// with an error, or by cancellation).
	IsDone() bool
}

// future is the Pool's concrete Future implementation, wrapping an
// internalSubmission and the pool's queue-removal hook.
type future struct {
	sub          *internalSubmission
	removeQueued func(*internalSubmission) bool // true if it was found and removed
}

var _ Future = (*future)(nil)

func (f *future) Await(ctx context.Context) (time.Duration, error) {
	select {
	case <-f.sub.done:
		return f.sub.duration(), f.sub.result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *future) AwaitTimeout(d time.Duration) (time.Duration, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.sub.done:
		return f.sub.duration(), f.sub.result()
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func (f *future) Cancel(mayInterrupt bool) bool {
	if f.sub.isDone() {
		return false
	}
	f.sub.cancel()
	if f.removeQueued(f.sub) {
		f.sub.complete(ErrCancelled)
		return true
	}
	// Already dispatched to a shell: best-effort only. The shell observes
	// IsCancelled() between commands and after each output line; an
	// in-flight command wait that receives no further line is not
	// interrupted.
	return false
}

func (f *future) IsCancelled() bool {
	return f.sub.cancelled.Load()
}

func (f *future) IsDone() bool {
	return f.sub.isDone()
}

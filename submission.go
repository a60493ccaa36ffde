package procpool

import (
	"sync"
	"sync/atomic"
	"time"
)

// Command is one instruction plus its completion predicates for a single
// request/response turn against a shell's child process.
type Command interface {
	// Instruction is a single line (no embedded newline) written to the
	// child's stdin.
	Instruction() string

	// GeneratesOutput reports whether the shell should wait for a
	// completion predicate to fire. If false, the command is considered
	// complete as soon as the instruction is written.
	GeneratesOutput() bool

	// IsCompletedStdout is called for each stdout line produced in
	// response. Returning true marks the command complete successfully.
	IsCompletedStdout(line string) bool

	// IsCompletedStderr is called for each stderr line produced in
	// response. Returning true marks the command complete (clients may
	// use this as an error signal).
	IsCompletedStderr(line string) bool
}

// Submission is an ordered, non-empty sequence of [Command]s the client
// asks the pool to run against some shell.
type Submission interface {
	// Commands returns the ordered command sequence. Must be non-empty.
	Commands() []Command

	// TerminateProcessAfterwards reports whether the shell must be
	// terminated after this submission completes.
	TerminateProcessAfterwards() bool

	// OnStartedProcessing is invoked after the shell commits to running
	// this submission.
	OnStartedProcessing()

	// OnFinishedProcessing is invoked exactly once after the submission's
	// commands finish, succeed or not.
	OnFinishedProcessing()

	// IsCancelled is polled between commands (and while waiting on a
	// command's completion latch); returning true aborts the submission.
	IsCancelled() bool
}

// completer is an optional capability a [Submission] passed to
// [Shell.Execute] may implement. The pool's internalSubmission wrapper
// implements it so Execute can report the execution outcome and record
// timing without widening the public Submission contract.
type completer interface {
	complete(err error)
}

// acceptSignaler is an optional capability letting the dispatcher observe,
// via a single-use channel, the moment a shell commits to a submission.
// This is the per-attempt rendezvous the design favors over a shared
// semaphore-plus-flag: the shell writes true/false exactly once and the
// dispatcher reads it exactly once.
type acceptSignaler interface {
	armAccept(ch chan<- bool)
}

// internalSubmission is the pool-internal wrapper around a client
// Submission. It tracks timing, cancellation, and completion, and
// implements Submission itself so it can be handed directly to
// Shell.Execute.
type internalSubmission struct {
	original Submission

	mu            sync.Mutex
	receivedTime  time.Time
	submittedTime time.Time
	processedTime time.Time
	acceptCh      chan<- bool

	cancelled atomic.Bool
	doneOnce  sync.Once
	done      chan struct{}
	err       error

	onComplete func() // pool hook: decrements executingCount if dispatched, wakes dispatcher
}

var (
	_ Submission     = (*internalSubmission)(nil)
	_ completer      = (*internalSubmission)(nil)
	_ acceptSignaler = (*internalSubmission)(nil)
)

func newInternalSubmission(original Submission) *internalSubmission {
	return &internalSubmission{
		original:     original,
		receivedTime: time.Now(),
		done:         make(chan struct{}),
	}
}

func (s *internalSubmission) Commands() []Command { return s.original.Commands() }

func (s *internalSubmission) TerminateProcessAfterwards() bool {
	return s.original.TerminateProcessAfterwards()
}

func (s *internalSubmission) IsCancelled() bool {
	return s.cancelled.Load() || s.original.IsCancelled()
}

func (s *internalSubmission) armAccept(ch chan<- bool) {
	s.mu.Lock()
	s.acceptCh = ch
	s.mu.Unlock()
}

// OnStartedProcessing satisfies the single-use accept rendezvous before
// delegating to the caller's submission.
func (s *internalSubmission) OnStartedProcessing() {
	s.mu.Lock()
	s.submittedTime = time.Now()
	ch := s.acceptCh
	s.acceptCh = nil
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- true:
		default:
		}
	}
	s.original.OnStartedProcessing()
}

func (s *internalSubmission) OnFinishedProcessing() {
	s.mu.Lock()
	s.processedTime = time.Now()
	s.mu.Unlock()
	s.original.OnFinishedProcessing()
}

// complete finalizes the submission exactly once, closing done and
// invoking the pool's bookkeeping hook.
func (s *internalSubmission) complete(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if s.processedTime.IsZero() {
			s.processedTime = time.Now()
		}
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onComplete != nil {
			s.onComplete()
		}
	})
}

// duration returns processedTime - receivedTime, per the future contract.
func (s *internalSubmission) duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processedTime.IsZero() || s.receivedTime.IsZero() {
		return 0
	}
	return s.processedTime.Sub(s.receivedTime)
}

func (s *internalSubmission) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *internalSubmission) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// cancel marks the submission cancelled without completing it. A caller
// that finds the submission still in the pool's queue completes it with
// ErrCancelled itself; once dispatched, cancellation is best-effort,
// observed on the shell's next IsCancelled() poll.
func (s *internalSubmission) cancel() {
	s.cancelled.Store(true)
}

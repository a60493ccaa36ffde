package procpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ShellState is one state in a Shell's lifecycle.
type ShellState int32

const (
	StateNew ShellState = iota
	StateStarting
	StateReady
	StateBusy
	StateTerminating
	StateTerminated
)

func (s ShellState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Shell is the pool-owned wrapper around one child process. At most one
// submission executes against a shell at any instant. All state
// transitions except NEW->STARTING are driven by pump events or by the
// pool.
type Shell struct {
	id      string
	manager ProcessManager
	logger  *zap.Logger
	opts    PoolOptions

	state atomic.Int32

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pump   *linePump
	execMu sync.Mutex

	idleMu    sync.Mutex
	idleTimer *time.Timer

	termRequested atomic.Bool

	startupDone chan struct{}
	startupOnce sync.Once

	reapOnce sync.Once
	exitCode int
	done     chan struct{}
}

// newShell constructs a shell in state NEW. It does not spawn the child;
// call start to do that.
func newShell(manager ProcessManager, opts PoolOptions) *Shell {
	s := &Shell{
		id:          uuid.NewString(),
		manager:     manager,
		logger:      opts.Logger,
		opts:        opts,
		startupDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateNew))
	return s
}

// ID returns the shell's stable opaque identifier.
func (s *Shell) ID() string { return s.id }

// State returns the shell's current lifecycle state.
func (s *Shell) State() ShellState { return ShellState(s.state.Load()) }

func (s *Shell) setState(st ShellState) { s.state.Store(int32(st)) }

// Done returns a channel closed once the shell reaches TERMINATED.
func (s *Shell) Done() <-chan struct{} { return s.done }

// start spawns the child process and transitions NEW -> STARTING, then
// either immediately or via pump observation to READY. It blocks until
// the shell reaches READY or fails to start.
func (s *Shell) start(ctx context.Context) error {
	s.setState(StateStarting)

	cmd, stdin, stdout, stderr, err := s.manager.StartProcess()
	if err != nil {
		s.setState(StateTerminated)
		close(s.done)
		return fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.pump = newLinePump(s.logger)
	s.pump.start(stdout, stderr, s.onStreamClosed)

	go s.reap()

	if s.manager.StartsUpInstantly() {
		s.becomeReady()
		return nil
	}

	stdoutID, stdoutLines, stdoutClosed := s.pump.registerStdout()
	stderrID, stderrLines, stderrClosed := s.pump.registerStderr()
	defer s.pump.unregister(true, stdoutID)
	defer s.pump.unregister(false, stderrID)

	for {
		select {
		case line := <-stdoutLines:
			if s.manager.IsStartedUp(line, true) {
				s.becomeReady()
				return nil
			}
		case line := <-stderrLines:
			if s.manager.IsStartedUp(line, false) {
				s.becomeReady()
				return nil
			}
		case <-stdoutClosed:
			return fmt.Errorf("%w: stdout closed during startup", ErrProcessSpawnFailed)
		case <-stderrClosed:
			return fmt.Errorf("%w: stderr closed during startup", ErrProcessSpawnFailed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Shell) becomeReady() {
	s.startupOnce.Do(func() { close(s.startupDone) })

	// A termination request arriving while still NEW/STARTING finds no
	// READY state to CompareAndSwap out of (RequestTermination) and is
	// recorded only in termRequested. Check it here rather than publishing
	// READY and leaving the shell parked there forever.
	if s.termRequested.Load() {
		s.logger.Debug("termination was requested during startup", zap.String("shell", s.id))
		s.beginTermination(true)
		return
	}

	s.setState(StateReady)
	s.rearmIdleTimer()
	s.manager.OnStartup(s)
}

// onStreamClosed handles a pump stream hitting EOF outside of an
// in-flight command wait (e.g. the child died while the shell was READY).
// A closure observed mid-command is instead detected by runCommand via
// the stream-closed channel it is already selecting on.
func (s *Shell) onStreamClosed(isStdout bool) {
	if !isStdout {
		return
	}
	if s.State() == StateReady {
		s.logger.Warn("shell exited spontaneously while ready", zap.String("shell", s.id))
		s.beginTermination(false)
	}
}

// Execute attempts to run submission against this shell. It returns false
// without side effects if the shell is busy or not READY. Acceptance
// (successful commit to BUSY) is observable by the caller via
// acceptSignaler, if submission implements it.
func (s *Shell) Execute(submission Submission) bool {
	if !s.execMu.TryLock() {
		return false
	}
	if s.State() != StateReady {
		s.execMu.Unlock()
		return false
	}
	s.cancelIdleTimer()
	s.setState(StateBusy)

	submission.OnStartedProcessing()

	execErr := s.runCommands(submission)

	submission.OnFinishedProcessing()

	terminate := submission.TerminateProcessAfterwards() || s.termRequested.Load() || isFatalForShell(execErr)
	if terminate {
		s.setState(StateTerminating)
		s.execMu.Unlock()
		s.beginTermination(true)
	} else {
		s.setState(StateReady)
		s.rearmIdleTimer()
		s.execMu.Unlock()
	}

	if c, ok := submission.(completer); ok {
		c.complete(execErr)
	}
	return true
}

// isFatalForShell reports whether the error, if any, means the child is no
// longer usable and the shell must be terminated regardless of what the
// submission asked for.
func isFatalForShell(err error) bool {
	return err != nil
}

func (s *Shell) runCommands(submission Submission) error {
	for _, cmd := range submission.Commands() {
		if submission.IsCancelled() {
			return newShellError(KindCancelled, s.id, ErrCancelled)
		}
		if err := s.runCommand(submission, cmd); err != nil {
			return err
		}
	}
	s.drainResidual()
	return nil
}

// runCommand writes one command's instruction and, if the command
// generates output, waits for either stream's completion predicate to
// fire, or for the process to exit first. Cancellation of submission is
// checked after every output line that does not complete the command.
func (s *Shell) runCommand(submission Submission, cmd Command) (err error) {
	stdoutID, stdoutLines, stdoutClosed := s.pump.registerStdout()
	stderrID, stderrLines, stderrClosed := s.pump.registerStderr()
	defer s.pump.unregister(true, stdoutID)
	defer s.pump.unregister(false, stderrID)

	if _, writeErr := io.WriteString(s.stdin, cmd.Instruction()+"\n"); writeErr != nil {
		return newShellError(KindStreamIO, s.id, fmt.Errorf("%w: %v", ErrStreamIO, writeErr))
	}

	if !cmd.GeneratesOutput() {
		return nil
	}

	for {
		select {
		case line := <-stdoutLines:
			completed, cbErr := safePredicate(cmd.IsCompletedStdout, line)
			if cbErr != nil {
				return newShellError(KindManagerCallbackFailed, s.id, fmt.Errorf("%w: %v", ErrManagerCallbackFailed, cbErr))
			}
			if completed {
				return nil
			}
		case line := <-stderrLines:
			completed, cbErr := safePredicate(cmd.IsCompletedStderr, line)
			if cbErr != nil {
				return newShellError(KindManagerCallbackFailed, s.id, fmt.Errorf("%w: %v", ErrManagerCallbackFailed, cbErr))
			}
			if completed {
				return nil
			}
		case <-stdoutClosed:
			return newShellError(KindProcessExitedDuringSubmission, s.id, ErrProcessExitedDuringSubmission)
		case <-stderrClosed:
			return newShellError(KindProcessExitedDuringSubmission, s.id, ErrProcessExitedDuringSubmission)
		}
		if submission.IsCancelled() {
			return newShellError(KindCancelled, s.id, ErrCancelled)
		}
	}
}

// safePredicate invokes a client predicate, converting a panic into an
// error so a misbehaving callback degrades to managerCallbackFailed
// instead of crashing the pool.
func safePredicate(fn func(string) bool, line string) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(line), nil
}

// drainResidual consumes any lines still buffered on either stream for a
// short settle window before the shell is considered free for the next
// submission. This guards against a child that kept writing past the
// completion predicate's firing (spec's mid-command-cancellation drain
// concern, applied after every command sequence that completes without
// error; a sequence that fails leads to the shell's termination instead).
func (s *Shell) drainResidual() {
	stdoutID, stdoutLines, stdoutClosed := s.pump.registerStdout()
	stderrID, stderrLines, stderrClosed := s.pump.registerStderr()
	defer s.pump.unregister(true, stdoutID)
	defer s.pump.unregister(false, stderrID)

	idle := time.NewTimer(20 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-stdoutLines:
			idle.Reset(20 * time.Millisecond)
		case <-stderrLines:
			idle.Reset(20 * time.Millisecond)
		case <-stdoutClosed:
			return
		case <-stderrClosed:
			return
		case <-idle.C:
			return
		}
	}
}

// RequestTermination asks the shell to terminate at the next safe point:
// immediately if READY, or after the in-flight submission completes if
// BUSY.
func (s *Shell) RequestTermination() {
	s.termRequested.Store(true)
	if s.state.CompareAndSwap(int32(StateReady), int32(StateTerminating)) {
		s.beginTermination(true)
	}
}

// beginTermination invokes the manager's orderly-terminate callback,
// force-killing on failure. It does not block for the child to be
// reaped; the reap goroutine finishes the TERMINATING -> TERMINATED
// transition.
func (s *Shell) beginTermination(orderly bool) {
	s.cancelIdleTimer()
	s.setState(StateTerminating)
	if orderly {
		ok := s.manager.Terminate(s)
		if !ok {
			s.forceKill()
		}
		return
	}
	s.forceKill()
}

// forceKill closes stdin and sends SIGTERM, escalating to SIGKILL if the
// child hasn't exited within the configured grace period. The escalation
// wait runs in its own goroutine so callers (notably beginTermination,
// invoked in a loop by Pool.Shutdown) never block on it.
func (s *Shell) forceKill() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = signalProcess(s.cmd.Process, syscall.SIGTERM)

	grace := s.opts.TerminationGracePeriod
	if grace <= 0 {
		grace = defaultTerminationGracePeriod
	}
	go func() {
		select {
		case <-s.done:
		case <-time.After(grace):
			s.logger.Debug("grace period elapsed, sending SIGKILL", zap.String("shell", s.id))
			_ = signalProcess(s.cmd.Process, syscall.SIGKILL)
		}
	}()
}

// reap waits for the child to exit exactly once, then transitions to
// TERMINATED and invokes the manager's onTermination callback exactly
// once.
func (s *Shell) reap() {
	waitErr := s.cmd.Wait()
	s.reapOnce.Do(func() {
		code := exitCodeFromError(waitErr)
		s.exitCode = code
		s.setState(StateTerminated)
		close(s.done)
		s.manager.OnTermination(code)
	})
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (s *Shell) rearmIdleTimer() {
	if s.opts.KeepAlive <= 0 {
		return
	}
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.opts.KeepAlive, func() {
		if s.state.CompareAndSwap(int32(StateReady), int32(StateTerminating)) {
			s.logger.Debug("shell idle timeout", zap.String("shell", s.id))
			s.beginTermination(true)
		}
	})
}

func (s *Shell) cancelIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// signalProcess sends sig to proc, treating an already-exited process as
// success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

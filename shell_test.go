package procpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpts(t *testing.T) PoolOptions {
	t.Helper()
	o, err := resolveOptions()
	require.NoError(t, err)
	return o
}

func startedShell(t *testing.T, mode string, instant bool) (*Shell, *fixtureManager) {
	t.Helper()
	mgr := &fixtureManager{t: t, mode: mode, instant: instant}
	sh := newShell(mgr, testOpts(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sh.start(ctx))
	t.Cleanup(func() {
		sh.RequestTermination()
		select {
		case <-sh.Done():
		case <-time.After(5 * time.Second):
			t.Error("shell did not terminate during cleanup")
		}
	})
	return sh, mgr
}

func TestShellStartsInstantly(t *testing.T) {
	sh, _ := startedShell(t, "instant", true)
	assert.Equal(t, StateReady, sh.State())
}

func TestShellWaitsForStartupLine(t *testing.T) {
	sh, _ := startedShell(t, "startup-line", false)
	assert.Equal(t, StateReady, sh.State())
}

type echoCommand struct {
	line string
	done chan string
}

func (c *echoCommand) Instruction() string   { return c.line }
func (c *echoCommand) GeneratesOutput() bool { return true }
func (c *echoCommand) IsCompletedStdout(line string) bool {
	if line == "ok:"+c.line {
		select {
		case c.done <- line:
		default:
		}
		return true
	}
	return false
}
func (c *echoCommand) IsCompletedStderr(string) bool { return false }

type singleSubmission struct {
	cmds         []Command
	terminate    bool
	started      chan struct{}
	finished     chan struct{}
	cancelled    bool
}

func newSingleSubmission(cmds ...Command) *singleSubmission {
	return &singleSubmission{cmds: cmds, started: make(chan struct{}, 1), finished: make(chan struct{}, 1)}
}

func (s *singleSubmission) Commands() []Command               { return s.cmds }
func (s *singleSubmission) TerminateProcessAfterwards() bool   { return s.terminate }
func (s *singleSubmission) OnStartedProcessing()               { close(s.started) }
func (s *singleSubmission) OnFinishedProcessing()               { close(s.finished) }
func (s *singleSubmission) IsCancelled() bool                   { return s.cancelled }

func TestShellExecuteRunsCommandToCompletion(t *testing.T) {
	sh, _ := startedShell(t, "echo", false)
	cmd := &echoCommand{line: "hello", done: make(chan string, 1)}
	sub := newSingleSubmission(cmd)

	accepted := sh.Execute(sub)
	require.True(t, accepted)

	select {
	case <-sub.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never finished")
	}
	select {
	case line := <-cmd.done:
		assert.Equal(t, "ok:hello", line)
	default:
		t.Fatal("command predicate never observed completion line")
	}

	// drainResidual's settle window should have run and the shell should
	// be back to READY, free for the next submission.
	assert.Eventually(t, func() bool { return sh.State() == StateReady }, 2*time.Second, 10*time.Millisecond)
}

func TestShellExecuteRejectsWhenBusy(t *testing.T) {
	sh, _ := startedShell(t, "delayed-echo", false)
	blocker := &echoCommand{line: "slow", done: make(chan string, 1)}
	sub1 := newSingleSubmission(blocker)

	go sh.Execute(sub1)
	require.Eventually(t, func() bool { return sh.State() == StateBusy }, time.Second, 5*time.Millisecond)

	sub2 := newSingleSubmission(&echoCommand{line: "x", done: make(chan string, 1)})
	accepted := sh.Execute(sub2)
	assert.False(t, accepted)

	select {
	case <-sub1.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking submission never finished")
	}
}

func TestShellTerminatesAfterSubmissionRequestsIt(t *testing.T) {
	sh, _ := startedShell(t, "echo", false)
	cmd := &echoCommand{line: "bye", done: make(chan string, 1)}
	sub := newSingleSubmission(cmd)
	sub.terminate = true

	require.True(t, sh.Execute(sub))

	select {
	case <-sh.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shell never reached TERMINATED")
	}
	assert.Equal(t, StateTerminated, sh.State())
}

func TestShellDetectsCrashDuringSubmission(t *testing.T) {
	sh, _ := startedShell(t, "crash-on-command", false)
	cmd := &echoCommand{line: "boom", done: make(chan string, 1)}
	sub := newSingleSubmission(cmd)

	var completed bool
	var completeErr error
	is := newInternalSubmission(sub)
	is.onComplete = func() { completed = true }

	require.True(t, sh.Execute(is))
	select {
	case <-sub.finished:
	case <-time.After(3 * time.Second):
		t.Fatal("submission never finished")
	}
	completeErr = is.result()
	assert.ErrorIs(t, completeErr, ErrProcessExitedDuringSubmission)
	assert.True(t, completed)
}

func TestShellForceKillsWhenOrderlyTerminateFails(t *testing.T) {
	mgr := &fixtureManager{t: t, mode: "slow-exit", terminateFails: true}
	opts, err := resolveOptions(WithTerminationGracePeriod(50 * time.Millisecond))
	require.NoError(t, err)
	sh := newShell(mgr, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sh.start(ctx))

	// slow-exit ignores SIGTERM, so reaching TERMINATED here proves the
	// grace-period SIGKILL escalation fired rather than an orderly exit.
	sh.RequestTermination()

	select {
	case <-sh.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shell never reached TERMINATED after forceKill escalation")
	}
	assert.Equal(t, StateTerminated, sh.State())
}

func TestShellRequestTerminationWhileReady(t *testing.T) {
	sh, _ := startedShell(t, "echo", false)
	sh.RequestTermination()
	select {
	case <-sh.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shell never terminated")
	}
}

package procpool

import (
	"io"
	"os/exec"
)

// ProcessManager is the client-implemented contract for one shell's child
// process lifecycle: how to spawn it, how to recognize that it has
// finished starting up, and how to ask it to terminate.
type ProcessManager interface {
	// StartProcess spawns the child and returns its command handle along
	// with redirected stdin/stdout/stderr.
	StartProcess() (cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, stderr io.ReadCloser, err error)

	// StartsUpInstantly reports whether the shell should transition to
	// READY immediately after spawn, without waiting for output.
	StartsUpInstantly() bool

	// IsStartedUp is consulted for every pump line received while the
	// shell is STARTING. isStdout distinguishes the stdout stream from
	// stderr.
	IsStartedUp(line string, isStdout bool) bool

	// OnStartup is invoked once the shell enters READY. It may call
	// shell.Execute to run priming commands synchronously.
	OnStartup(shell *Shell)

	// Terminate attempts orderly termination (typically sending an exit
	// command) and reports whether the attempt is believed to have
	// succeeded. On false, the shell force-kills the child.
	Terminate(shell *Shell) bool

	// OnTermination is invoked exactly once after the child has been
	// reaped.
	OnTermination(exitCode int)
}

// ProcessManagerFactory produces a fresh [ProcessManager] for each new
// shell the pool spawns.
type ProcessManagerFactory interface {
	NewProcessManager() (ProcessManager, error)
}

// managerAdapter wraps a client ProcessManager so the pool can maintain
// its ready/all-shell indices without the client being aware. It stores
// only the shell's opaque id, not a back-reference to the shell itself —
// onTermination looks the shell up through the pool by id, the same way
// onStartup already receives the shell as a callback parameter.
type managerAdapter struct {
	pool    *Pool
	shellID string
	client  ProcessManager
}

var _ ProcessManager = (*managerAdapter)(nil)

func (a *managerAdapter) StartProcess() (*exec.Cmd, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	return a.client.StartProcess()
}

func (a *managerAdapter) StartsUpInstantly() bool {
	return a.client.StartsUpInstantly()
}

func (a *managerAdapter) IsStartedUp(line string, isStdout bool) bool {
	return a.client.IsStartedUp(line, isStdout)
}

func (a *managerAdapter) OnStartup(shell *Shell) {
	a.pool.markReady(a.shellID)
	a.client.OnStartup(shell)
}

func (a *managerAdapter) Terminate(shell *Shell) bool {
	return a.client.Terminate(shell)
}

func (a *managerAdapter) OnTermination(exitCode int) {
	a.pool.removeShell(a.shellID)
	a.client.OnTermination(exitCode)
}

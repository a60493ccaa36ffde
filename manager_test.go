package procpool

import (
	"io"
	"os/exec"
	"sync"
	"testing"
)

// fixtureManager is a ProcessManager backed by the self-exec test fixture
// binary. One instance is single-shell: the pool's factory contract
// mints a fresh manager (and hence a fresh fixtureManager) per shell.
type fixtureManager struct {
	t              *testing.T
	mode           string
	instant        bool
	terminateFails bool

	mu    sync.Mutex
	stdin io.WriteCloser

	onStartupFn     func(*Shell)
	onTerminationFn func(int)
}

var _ ProcessManager = (*fixtureManager)(nil)

func (m *fixtureManager) StartProcess() (*exec.Cmd, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	cmd := fixtureCommand(m.t, m.mode)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, err
	}
	m.mu.Lock()
	m.stdin = stdin
	m.mu.Unlock()
	return cmd, stdin, stdout, stderr, nil
}

func (m *fixtureManager) StartsUpInstantly() bool { return m.instant }

func (m *fixtureManager) IsStartedUp(line string, isStdout bool) bool {
	return isStdout && line == "READY"
}

func (m *fixtureManager) OnStartup(shell *Shell) {
	if m.onStartupFn != nil {
		m.onStartupFn(shell)
	}
}

func (m *fixtureManager) Terminate(shell *Shell) bool {
	if m.terminateFails {
		return false
	}
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return false
	}
	_, err := io.WriteString(stdin, "TERMINATE\n")
	return err == nil
}

func (m *fixtureManager) OnTermination(exitCode int) {
	if m.onTerminationFn != nil {
		m.onTerminationFn(exitCode)
	}
}

// fixtureFactory mints a fixtureManager per shell, all sharing the same
// fixture mode and lifecycle hooks.
type fixtureFactory struct {
	t              *testing.T
	mode           string
	instant        bool
	terminateFails bool

	onStartupFn     func(*Shell)
	onTerminationFn func(int)
}

var _ ProcessManagerFactory = (*fixtureFactory)(nil)

func (f *fixtureFactory) NewProcessManager() (ProcessManager, error) {
	return &fixtureManager{
		t:               f.t,
		mode:            f.mode,
		instant:         f.instant,
		terminateFails:  f.terminateFails,
		onStartupFn:     f.onStartupFn,
		onTerminationFn: f.onTerminationFn,
	}, nil
}

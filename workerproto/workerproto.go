// Package workerproto is a concrete [procpool.ProcessManager] for worker
// binaries that speak a small framed request/response protocol over
// stdin/stdout: one base64(gob(Request)) per line in, one
// base64(gob(Response)) per line out, correlated by a uuid. Startup is
// signalled by a bare "READY" line; termination is requested with a bare
// "TERMINATE" line and is not waited for — the shell's own process reaper
// is the authority on when the child has actually gone away.
package workerproto

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmora/procpool"
)

const (
	readyToken     = "READY"
	terminateToken = "TERMINATE"
)

// Request is one call into the worker.
type Request struct {
	ID      uuid.UUID
	Op      string
	Payload []byte
}

// Response is the worker's answer to a Request, correlated by ID.
type Response struct {
	ID      uuid.UUID
	OK      bool
	Payload []byte
	ErrText string
}

// EncodeRequest frames req as a single base64 line with no embedded
// newline, suitable for Command.Instruction.
func EncodeRequest(req Request) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return "", fmt.Errorf("workerproto: encode request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeResponse frames resp the same way EncodeRequest frames a Request.
// Production code never calls this — only the worker binary on the other
// end of the pipe produces Response frames — but it is the natural
// counterpart to DecodeResponse and is exercised directly by this
// package's tests.
func EncodeResponse(resp Response) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return "", fmt.Errorf("workerproto: encode response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeResponse reverses EncodeRequest's framing for a line produced by
// the worker.
func DecodeResponse(line string) (Response, error) {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return Response{}, fmt.Errorf("workerproto: decode response: %w", err)
	}
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("workerproto: decode response: %w", err)
	}
	return resp, nil
}

// RequestCommand is a [procpool.Command] for one Request/Response turn. A
// caller submits it, and after the submission's future resolves, Response
// reports the decoded answer (if any stdout line matched the request's
// correlation ID before the shell gave up waiting).
type RequestCommand struct {
	req  Request
	mu   sync.Mutex
	resp *Response
}

var _ procpool.Command = (*RequestCommand)(nil)

// NewRequestCommand builds a RequestCommand for op with an arbitrary
// payload, assigning it a fresh correlation ID.
func NewRequestCommand(op string, payload []byte) *RequestCommand {
	return &RequestCommand{req: Request{ID: uuid.New(), Op: op, Payload: payload}}
}

func (c *RequestCommand) Instruction() string {
	line, err := EncodeRequest(c.req)
	if err != nil {
		// Instruction cannot itself return an error; an encode failure here
		// means req.Payload is not gob-encodable, a caller bug. An empty
		// line is written instead; the command then completes only if the
		// worker still answers with this request's ID, and otherwise the
		// shell keeps waiting until the child's output streams close or
		// the submission is cancelled.
		return ""
	}
	return line
}

func (c *RequestCommand) GeneratesOutput() bool { return true }

func (c *RequestCommand) IsCompletedStdout(line string) bool {
	resp, err := DecodeResponse(line)
	if err != nil || resp.ID != c.req.ID {
		return false
	}
	c.mu.Lock()
	c.resp = &resp
	c.mu.Unlock()
	return true
}

func (c *RequestCommand) IsCompletedStderr(string) bool { return false }

// Response reports the decoded reply, if one arrived.
func (c *RequestCommand) Response() (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resp == nil {
		return Response{}, false
	}
	return *c.resp, true
}

// Factory spawns worker processes by running Path with Args, each
// producing a process fresh [procpool.ProcessManager].
type Factory struct {
	Path   string
	Args   []string
	Logger *zap.Logger
}

var _ procpool.ProcessManagerFactory = (*Factory)(nil)

func (f *Factory) NewProcessManager() (procpool.ProcessManager, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &workerProcess{path: f.Path, args: f.Args, logger: logger}, nil
}

// workerProcess is the per-shell ProcessManager. It keeps its own
// reference to the child's stdin so Terminate can write the termination
// token directly, without routing back through Shell.Execute (which would
// otherwise recurse into beginTermination).
type workerProcess struct {
	path string
	args []string

	logger *zap.Logger
	stdin  io.WriteCloser
}

var _ procpool.ProcessManager = (*workerProcess)(nil)

func (w *workerProcess) StartProcess() (*exec.Cmd, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(w.path, w.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("workerproto: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("workerproto: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("workerproto: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("workerproto: start: %w", err)
	}

	w.stdin = stdin
	return cmd, stdin, stdout, stderr, nil
}

func (w *workerProcess) StartsUpInstantly() bool { return false }

func (w *workerProcess) IsStartedUp(line string, isStdout bool) bool {
	return isStdout && line == readyToken
}

func (w *workerProcess) OnStartup(shell *procpool.Shell) {
	w.logger.Debug("worker ready", zap.String("shell", shell.ID()))
}

// Terminate writes the termination token and optimistically reports
// success; the shell's reap goroutine is what actually observes the
// child exiting. A successful write is not followed by a force-kill: a
// worker that ignores the token keeps its shell TERMINATING until it
// exits on its own.
func (w *workerProcess) Terminate(shell *procpool.Shell) bool {
	if w.stdin == nil {
		return false
	}
	_, err := io.WriteString(w.stdin, terminateToken+"\n")
	if err != nil {
		w.logger.Warn("failed writing terminate token", zap.String("shell", shell.ID()), zap.Error(err))
		return false
	}
	return true
}

func (w *workerProcess) OnTermination(exitCode int) {
	w.logger.Debug("worker terminated", zap.Int("exitCode", exitCode))
}

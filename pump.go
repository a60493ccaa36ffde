package procpool

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// listenerBuffer is the channel capacity for a registered line listener.
// Only the command currently in flight registers a listener per stream,
// so this only needs to absorb a short burst ahead of the predicate
// catching up.
const listenerBuffer = 64

// lineListener is a registered observer of one stream's lines.
type lineListener struct {
	id    int
	lines chan string
}

// linePump reads a shell's stdout and stderr concurrently, splitting each
// into whole lines (terminated by "\n" or "\r\n", both stripped) and
// delivering them in arrival order to registered listeners. A partial
// final line at EOF is flushed iff non-empty before the stream-closed
// signal fires.
type linePump struct {
	logger *zap.Logger

	mu              sync.Mutex
	nextID          int
	stdoutListeners map[int]*lineListener
	stderrListeners map[int]*lineListener

	stdoutClosed chan struct{}
	stderrClosed chan struct{}
	closeStdout  sync.Once
	closeStderr  sync.Once
}

func newLinePump(logger *zap.Logger) *linePump {
	return &linePump{
		logger:          logger,
		stdoutListeners: make(map[int]*lineListener),
		stderrListeners: make(map[int]*lineListener),
		stdoutClosed:    make(chan struct{}),
		stderrClosed:    make(chan struct{}),
	}
}

// start launches the two reader goroutines. onStreamClosed is invoked
// exactly once per stream when that stream hits EOF or a read error.
func (p *linePump) start(stdout, stderr io.Reader, onStreamClosed func(isStdout bool)) {
	go p.pumpStream(stdout, true, onStreamClosed)
	go p.pumpStream(stderr, false, onStreamClosed)
}

func (p *linePump) pumpStream(r io.Reader, isStdout bool, onStreamClosed func(bool)) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(reader)
		if err == nil || line != "" {
			p.broadcast(isStdout, decodeLine([]byte(line)))
		}
		if err != nil {
			break
		}
	}
	p.signalClosed(isStdout)
	if onStreamClosed != nil {
		onStreamClosed(isStdout)
	}
}

// readLine reads up to and including the next "\n", returning the line
// with a trailing "\r\n" or "\n" stripped. On EOF it returns whatever
// partial content was read (possibly empty) alongside the error.
func readLine(r *bufio.Reader) (string, error) {
	raw, err := r.ReadString('\n')
	if err == nil {
		raw = strings.TrimSuffix(raw, "\n")
		raw = strings.TrimSuffix(raw, "\r")
		return raw, nil
	}
	raw = strings.TrimSuffix(raw, "\r")
	return raw, err
}

func (p *linePump) signalClosed(isStdout bool) {
	if isStdout {
		p.closeStdout.Do(func() { close(p.stdoutClosed) })
	} else {
		p.closeStderr.Do(func() { close(p.stderrClosed) })
	}
}

func (p *linePump) broadcast(isStdout bool, line string) {
	p.mu.Lock()
	listeners := make([]*lineListener, 0, len(p.stdoutListeners))
	if isStdout {
		for _, l := range p.stdoutListeners {
			listeners = append(listeners, l)
		}
	} else {
		for _, l := range p.stderrListeners {
			listeners = append(listeners, l)
		}
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l.lines <- line
	}
}

// registerStdout registers a new listener for stdout lines, returning its
// id (for unregistration), its line channel, and the stream's
// already-possibly-closed signal channel.
func (p *linePump) registerStdout() (int, <-chan string, <-chan struct{}) {
	return p.register(true)
}

func (p *linePump) registerStderr() (int, <-chan string, <-chan struct{}) {
	return p.register(false)
}

func (p *linePump) register(isStdout bool) (int, <-chan string, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	l := &lineListener{id: id, lines: make(chan string, listenerBuffer)}
	if isStdout {
		p.stdoutListeners[id] = l
		return id, l.lines, p.stdoutClosed
	}
	p.stderrListeners[id] = l
	return id, l.lines, p.stderrClosed
}

func (p *linePump) unregister(isStdout bool, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isStdout {
		delete(p.stdoutListeners, id)
	} else {
		delete(p.stderrListeners, id)
	}
}

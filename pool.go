package procpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// wakeInterval is the dispatcher's periodic safety-net re-check, covering
// the (rare) case where a wake signal is coalesced away by the buffered
// channel right before the event it should have announced.
const wakeInterval = 250 * time.Millisecond

// Pool maintains a set of [Shell]s and dispatches submissions to idle
// ones. Shells are never explicitly culled to shrink the pool — shrinkage
// happens only through each shell's own KeepAlive idle-timeout. ReserveSize
// is therefore a floor on idle capacity expected to be available, not a
// steady-state shell count.
//
// Sizing formula, evaluated whenever demand may have changed:
//
//	desired = clamp(max(MinPoolSize, executing+queueDepth+ReserveSize), 0, MaxPoolSize)
//
// ReserveSize is added on top of executing+queueDepth rather than used as
// an alternative floor; under bursty traffic this can over-provision.
// That behavior is preserved deliberately — see DESIGN.md.
type Pool struct {
	opts    PoolOptions
	factory ProcessManagerFactory
	logger  *zap.Logger

	mu          sync.Mutex
	allShells   map[string]*Shell
	readyShells map[string]*Shell
	pending     []*internalSubmission

	closing        atomic.Bool
	executingCount atomic.Int64

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	eg        *errgroup.Group
	spawnGate *semaphore.Weighted
	sf        singleflight.Group
}

// New constructs a Pool, spawning max(MinPoolSize, ReserveSize) shells and
// blocking until all of them reach READY before returning.
func New(factory ProcessManagerFactory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil ProcessManagerFactory", ErrInvalidConfiguration)
	}
	o, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		opts:        o,
		factory:     factory,
		logger:      o.Logger,
		allShells:   make(map[string]*Shell),
		readyShells: make(map[string]*Shell),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		eg:          &errgroup.Group{},
		spawnGate:   semaphore.NewWeighted(int64(maxInt(o.MaxPoolSize, 1))),
	}

	initial := maxInt(o.MinPoolSize, o.ReserveSize)
	if err := p.spawnInitial(initial); err != nil {
		return nil, err
	}

	p.eg.Go(func() error {
		p.dispatchLoop()
		return nil
	})

	return p, nil
}

// spawnInitial spawns n shells concurrently and waits for all of them to
// reach READY (or fail), returning the first failure if any.
func (p *Pool) spawnInitial(n int) error {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = p.spawnShell(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// spawnShell asks the factory for a fresh ProcessManager, wraps it in the
// pool's bookkeeping adapter, and starts the shell.
func (p *Pool) spawnShell(ctx context.Context) error {
	client, err := p.factory.NewProcessManager()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	shell := newShell(nil, p.opts)
	shell.manager = &managerAdapter{pool: p, shellID: shell.id, client: client}

	p.mu.Lock()
	p.allShells[shell.id] = shell
	p.mu.Unlock()

	if err := shell.start(ctx); err != nil {
		p.mu.Lock()
		delete(p.allShells, shell.id)
		p.mu.Unlock()
		p.logger.Warn("shell failed to start", zap.String("shell", shell.id), zap.Error(err))
		return err
	}
	return nil
}

// Submit enqueues submission and wakes the dispatcher. It returns
// [ErrPoolClosed] if the pool has been shut down.
func (p *Pool) Submit(ctx context.Context, submission Submission) (Future, error) {
	if submission == nil {
		return nil, fmt.Errorf("%w: nil submission", ErrInvalidConfiguration)
	}
	if len(submission.Commands()) == 0 {
		return nil, fmt.Errorf("%w: submission has no commands", ErrInvalidConfiguration)
	}
	if p.closing.Load() {
		return nil, ErrPoolClosed
	}

	is := newInternalSubmission(submission)
	is.onComplete = func() {
		// Only a submission a shell accepted was counted as executing.
		is.mu.Lock()
		dispatched := !is.submittedTime.IsZero()
		is.mu.Unlock()
		if dispatched {
			p.executingCount.Add(-1)
		}
		p.signalWake()
	}

	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.pending = append(p.pending, is)
	p.mu.Unlock()

	p.triggerResize()
	p.signalWake()

	return &future{sub: is, removeQueued: p.removeFromQueue}, nil
}

// removeFromQueue removes target from the pending queue if present,
// reporting whether it was found there.
func (p *Pool) removeFromQueue(target *internalSubmission) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.pending {
		if sub == target {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// markReady adds the shell identified by id to the ready set. Called by
// managerAdapter.OnStartup.
func (p *Pool) markReady(id string) {
	p.mu.Lock()
	sh, ok := p.allShells[id]
	if ok {
		p.readyShells[id] = sh
	}
	p.mu.Unlock()
	p.signalWake()
}

// removeShell drops the shell identified by id from both indices. Called
// by managerAdapter.OnTermination.
func (p *Pool) removeShell(id string) {
	p.mu.Lock()
	delete(p.allShells, id)
	delete(p.readyShells, id)
	p.mu.Unlock()
	p.triggerResize()
	p.signalWake()
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single dispatcher activity: it wakes whenever
// demand or supply may have changed and tries to match queued
// submissions with ready shells.
func (p *Pool) dispatchLoop() {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.dispatchOnce()
	}
}

// dispatchOnce drains as much of the pending queue as ready shells allow.
func (p *Pool) dispatchOnce() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		head := p.pending[0]
		snapshot := make([]*Shell, 0, len(p.readyShells))
		for _, sh := range p.readyShells {
			snapshot = append(snapshot, sh)
		}
		p.mu.Unlock()

		if head.IsCancelled() {
			if p.removeFromQueue(head) {
				head.complete(ErrCancelled)
			}
			continue
		}

		if len(snapshot) == 0 {
			p.triggerResize()
			return
		}

		if !p.tryDispatch(head, snapshot) {
			p.triggerResize()
			return
		}
	}
}

// tryDispatch attempts to hand sub to each shell in turn until one
// accepts, using a single-use channel per attempt as the acceptance
// rendezvous: the shell writes true/false exactly once via
// internalSubmission.OnStartedProcessing (or the dispatcher does, if
// Execute never got that far), and the dispatcher reads it exactly once.
func (p *Pool) tryDispatch(sub *internalSubmission, shells []*Shell) bool {
	for _, sh := range shells {
		acceptCh := make(chan bool, 1)
		sub.armAccept(acceptCh)
		shell := sh
		p.eg.Go(func() error {
			if !shell.Execute(sub) {
				select {
				case acceptCh <- false:
				default:
				}
			}
			return nil
		})

		if <-acceptCh {
			p.removeFromQueue(sub)
			p.executingCount.Add(1)
			return true
		}
	}
	return false
}

// triggerResize re-evaluates the sizing formula and spawns replacement or
// additional shells as needed. Concurrent callers collapse onto a single
// in-flight evaluation via singleflight.
func (p *Pool) triggerResize() {
	if p.closing.Load() {
		return
	}
	_, _, _ = p.sf.Do("resize", func() (interface{}, error) {
		p.resize()
		return nil, nil
	})
}

func (p *Pool) resize() {
	p.mu.Lock()
	executing := p.executingCount.Load()
	queueDepth := int64(len(p.pending))
	current := int64(len(p.allShells))
	p.mu.Unlock()

	desired := clampInt64(maxInt64(int64(p.opts.MinPoolSize), executing+queueDepth+int64(p.opts.ReserveSize)), 0, int64(p.opts.MaxPoolSize))
	toSpawn := desired - current
	for i := int64(0); i < toSpawn; i++ {
		if p.closing.Load() {
			return
		}
		if err := p.spawnGate.Acquire(context.Background(), 1); err != nil {
			return
		}
		p.eg.Go(func() error {
			defer p.spawnGate.Release(1)
			if err := p.spawnShell(context.Background()); err != nil {
				p.logger.Warn("replacement shell spawn failed", zap.Error(err))
				return nil
			}
			p.signalWake()
			return nil
		})
	}
}

// Shutdown sets the pool to closing, fails all queued submissions with
// [ErrPoolClosed], requests termination of every live shell, and blocks
// until all background work (dispatcher, in-flight spawns, and shell
// teardowns that were in progress) has finished. Idempotent: the second
// and later calls are no-ops.
func (p *Pool) Shutdown() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	p.signalWake()

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	shells := make([]*Shell, 0, len(p.allShells))
	for _, sh := range p.allShells {
		shells = append(shells, sh)
	}
	p.mu.Unlock()

	for _, sub := range pending {
		sub.complete(ErrPoolClosed)
	}
	for _, sh := range shells {
		sh.RequestTermination()
	}
	for _, sh := range shells {
		<-sh.Done()
	}

	_ = p.eg.Wait()
}

// Shells returns a snapshot of every live shell's id and state, for
// diagnostics and tests.
func (p *Pool) Shells() map[string]ShellState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ShellState, len(p.allShells))
	for id, sh := range p.allShells {
		out[id] = sh.State()
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

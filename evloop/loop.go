package evloop

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fzft/go-evloop/log"
)

// RunMode selects how far one call to Run drives the loop.
type RunMode int

const (
	// RunDefault ticks until the loop has nothing left to do or Stop is
	// called.
	RunDefault RunMode = 0
	// RunOnce performs exactly one tick.
	RunOnce RunMode = 1 << iota
	// RunNoWait performs one tick and never blocks in the backend poll.
	RunNoWait
	// RunPause performs one tick and skips the backend poll entirely.
	RunPause
)

// DefaultStopDrainBudget bounds the best-effort settle loop performed when
// a run is stopped while background work is still in flight.
const DefaultStopDrainBudget = 50 * time.Millisecond

// ErrHandlesRemain is returned by Close when live handles are still
// attached to the loop.
var ErrHandlesRemain = errors.New("evloop: loop closed with unclosed handles")

// Loop is one reactor instance. A loop and everything attached to it must
// only be touched from a single goroutine; independent loops on separate
// goroutines never share state beyond the registry that created them.
type Loop struct {
	id int

	watchers  []*Watcher
	nwatchers int
	nfds      int

	rearmQueue   list[*Watcher]
	pendingQueue list[*Watcher]
	handleQueue  list[*Handle]
	closingQueue list[*Handle]

	activeHandles   int
	baselineHandles int
	activeReqs      int

	timers   timerHeap
	timerSeq uint64

	prepareQueue list[*loopWatch]
	checkQueue   list[*loopWatch]
	idleQueue    list[*loopWatch]

	now   uint64
	clock func() uint64

	stopFlag bool

	poller Poller

	stopDrainBudget time.Duration
	syncTrigger     func(loopID int)

	wq     workQueue
	wqWake *Async
	closed bool
}

// Option configures a loop at construction time.
type Option func(*Loop)

// WithPoller injects a backend poller, replacing the platform default.
func WithPoller(p Poller) Option {
	return func(l *Loop) { l.poller = p }
}

// WithStopDrainBudget adjusts the wall-clock budget of the forced-stop
// settle loop.
func WithStopDrainBudget(d time.Duration) Option {
	return func(l *Loop) { l.stopDrainBudget = d }
}

// WithClock replaces the monotonic millisecond clock, for tests.
func WithClock(clock func() uint64) Option {
	return func(l *Loop) { l.clock = clock }
}

// WithID sets the loop identifier handed to the backend poll. Registries
// assign IDs themselves; standalone loops default to the overflow slot.
func WithID(id int) Option {
	return func(l *Loop) { l.id = id }
}

// WithSyncTrigger installs a hook invoked with the loop ID when a
// default-mode run finishes, letting a multithreaded host synchronize
// per-thread teardown.
func WithSyncTrigger(fn func(loopID int)) Option {
	return func(l *Loop) { l.syncTrigger = fn }
}

// NewLoop constructs a loop. Without WithPoller the platform backend is
// created; that is the only failure path.
func NewLoop(opts ...Option) (*Loop, error) {
	l := &Loop{
		id:              overflowLoopID,
		clock:           monotonicMillis,
		stopDrainBudget: DefaultStopDrainBudget,
	}
	l.rearmQueue.init()
	l.pendingQueue.init()
	l.handleQueue.init()
	l.closingQueue.init()
	l.prepareQueue.init()
	l.checkQueue.init()
	l.idleQueue.init()
	l.wq.init()

	for _, opt := range opts {
		opt(l)
	}

	if l.poller == nil {
		p, err := NewEpollPoller()
		if err != nil {
			return nil, errors.Wrap(err, "create poller")
		}
		l.poller = p
	}

	l.UpdateTime()
	return l, nil
}

// ID returns the loop's stable identifier.
func (l *Loop) ID() int { return l.id }

// BackendFD exposes the backend's own descriptor, or -1 when the backend
// has none.
func (l *Loop) BackendFD() int {
	if fd, ok := l.poller.(interface{ FD() int }); ok {
		return fd.FD()
	}
	return -1
}

// UpdateTime refreshes the cached monotonic clock.
func (l *Loop) UpdateTime() {
	l.now = l.clock()
}

// Now returns the cached monotonic clock in milliseconds.
func (l *Loop) Now() uint64 { return l.now }

var programStart = time.Now()

func monotonicMillis() uint64 {
	return uint64(time.Since(programStart) / time.Millisecond)
}

// Stop asks the loop to return from Run at the next aliveness check. It
// does not interrupt a poll already in progress.
func (l *Loop) Stop() {
	l.stopFlag = true
}

func (l *Loop) alive() bool {
	return l.activeHandles > l.baselineHandles ||
		l.activeReqs > 0 ||
		!l.closingQueue.empty()
}

// Alive breaks loop aliveness into its three contributors: active handles
// above the internal baseline, active requests, and pending closing
// handles.
func (l *Loop) Alive() (handles int, reqs bool, closing bool) {
	return l.activeHandles - l.baselineHandles, l.activeReqs > 0, !l.closingQueue.empty()
}

// BackendTimeout computes how long the backend poll may block: zero
// whenever anything demands an immediate pass (stop requested, nothing
// keeping the loop alive, started idle handles, pending closing handles),
// otherwise the earliest timer deadline.
func (l *Loop) BackendTimeout() int {
	if l.stopFlag {
		return 0
	}
	if l.activeHandles <= l.baselineHandles && l.activeReqs == 0 {
		return 0
	}
	if !l.idleQueue.empty() {
		return 0
	}
	if !l.closingQueue.empty() {
		return 0
	}
	return l.nextTimeout()
}

// Run drives ticks in the fixed phase order: clock refresh, due timers,
// idle, prepare, pending drain, backend poll, check, reap. It returns the
// loop's aliveness at the point it stopped ticking.
func (l *Loop) Run(mode RunMode) bool {
	r := l.alive()
	for r && !l.stopFlag {
		l.UpdateTime()
		l.runTimers()
		l.runIdle()
		l.runPrepare()
		l.runPending()

		timeout := 0
		if mode&RunNoWait == 0 {
			timeout = l.BackendTimeout()
		}

		if mode&RunPause == 0 {
			if err := l.poller.Poll(l, timeout, l.id); err != nil {
				log.Logger.Error("backend poll failed",
					zap.Int("loop", l.id), zap.Error(err))
			}
		}

		l.runCheck()
		l.runClosingHandles()

		r = l.alive()

		if mode&(RunOnce|RunNoWait|RunPause) != 0 {
			break
		}
	}

	if mode == RunDefault && l.syncTrigger != nil && l.id >= 0 {
		l.syncTrigger(l.id)
	}

	// A forced stop can strand background work queued by other threads.
	// Best effort only: spin non-blocking ticks under a wall-clock budget
	// so in-flight completions settle before control returns.
	if l.stopFlag {
		l.stopFlag = false
		if mode != RunDefault {
			return r
		}

		if l.id > 0 && l.wq.busy() {
			start := time.Now()
			for l.Run(RunNoWait) {
				if time.Since(start) > l.stopDrainBudget {
					break
				}
			}
		}
	}

	return r
}

// Close releases backend resources. Every handle must be closed and
// reaped first; a violation is reported before any teardown starts, so a
// failed Close leaves the loop untouched.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	if l.hasUserHandles() {
		return ErrHandlesRemain
	}
	if l.wqWake != nil && !l.wqWake.IsClosing() {
		l.wqWake.Close(nil)
		l.Run(RunNoWait)
	}
	if !l.handleQueue.empty() || !l.closingQueue.empty() {
		return ErrHandlesRemain
	}
	l.closed = true
	return errors.Wrap(l.poller.Close(), "close poller")
}

// hasUserHandles reports live handles other than the internal work-queue
// wakeup, which Close tears down itself.
func (l *Loop) hasUserHandles() bool {
	found := false
	l.handleQueue.each(func(h *Handle) {
		if l.wqWake == nil || h != &l.wqWake.Handle {
			found = true
		}
	})
	return found
}

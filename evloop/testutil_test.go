package evloop

import "testing"

// fakePoller stands in for the OS backend. It records every Poll call,
// arms whatever sits on the rearm queue the way a real backend would, and
// optionally hands control to a test hook for dispatching readiness.
type fakePoller struct {
	fullRearm bool
	closed    bool

	timeouts []int
	loopIDs  []int
	rearmed  []*Watcher

	onPoll func(l *Loop, timeoutMS int)
}

func (p *fakePoller) Poll(l *Loop, timeoutMS int, loopID int) error {
	for {
		w, ok := l.rearmQueue.popFront()
		if !ok {
			break
		}
		w.events = w.pevents
		p.rearmed = append(p.rearmed, w)
	}

	p.timeouts = append(p.timeouts, timeoutMS)
	p.loopIDs = append(p.loopIDs, loopID)

	if p.onPoll != nil {
		p.onPoll(l, timeoutMS)
	}
	return nil
}

func (p *fakePoller) RequiresFullRearm() bool { return p.fullRearm }

func (p *fakePoller) Close() error {
	p.closed = true
	return nil
}

type fakeClock struct {
	now uint64
}

func (c *fakeClock) fn() func() uint64 {
	return func() uint64 { return c.now }
}

func newTestLoop(t *testing.T) (*Loop, *fakePoller, *fakeClock) {
	t.Helper()
	poller := &fakePoller{}
	clock := &fakeClock{}
	l, err := NewLoop(WithPoller(poller), WithClock(clock.fn()))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l, poller, clock
}

// stubHandle is a bare handle variant for state-machine tests. It can be
// marked active and can elect a deferred close like a signal-delivery
// handle would.
type stubHandle struct {
	Handle

	deferClose bool
	destroyed  bool
}

func newStubHandle(l *Loop) *stubHandle {
	s := &stubHandle{}
	s.Handle.init(l, s)
	return s
}

func (s *stubHandle) closeHandle() {
	if s.deferClose {
		s.DeferClose()
	}
	s.markInactive()
}

func (s *stubHandle) destroyHandle() {
	s.destroyed = true
}

func noopWatcherCb(*Loop, *Watcher, uint32) {}

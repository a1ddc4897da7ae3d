package evloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCloseTransitions(t *testing.T) {
	l, _, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.markActive()

	require.False(t, s.IsClosing())

	closed := false
	s.Close(func(h *Handle) {
		closed = true
		// The callback must observe the handle fully torn down: CLOSED
		// set, destructor run, accounting released, unlinked.
		assert.NotZero(t, h.flags&flagClosed)
		assert.True(t, s.destroyed)
		assert.Equal(t, 0, l.activeHandles)
		assert.True(t, l.handleQueue.empty())
	})

	// CLOSING is synchronous, CLOSED waits for the reap phase.
	assert.True(t, s.IsClosing())
	assert.Zero(t, s.flags&flagClosed)
	assert.False(t, closed)

	l.runClosingHandles()
	assert.True(t, closed)
}

func TestHandleDoubleClosePanics(t *testing.T) {
	l, _, _ := newTestLoop(t)
	s := newStubHandle(l)

	s.Close(nil)
	assert.Panics(t, func() { s.Close(nil) })

	l.runClosingHandles()
	assert.Panics(t, func() { s.Close(nil) })
}

func TestHandleCloseCallbackFIFO(t *testing.T) {
	l, _, _ := newTestLoop(t)

	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		newStubHandle(l).Close(func(*Handle) {
			order = append(order, name)
		})
	}

	l.runClosingHandles()
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestHandleCloseCallbackExactlyOnce(t *testing.T) {
	l, _, _ := newTestLoop(t)

	calls := 0
	newStubHandle(l).Close(func(*Handle) { calls++ })

	l.runClosingHandles()
	l.runClosingHandles()
	assert.Equal(t, 1, calls)
}

func TestHandleDeferredClose(t *testing.T) {
	l, _, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.deferClose = true

	s.Close(nil)
	assert.True(t, s.IsClosing())
	assert.True(t, l.closingQueue.empty(), "deferred close is not reapable yet")

	// Reap phase must not touch it while deferred.
	l.runClosingHandles()
	assert.Zero(t, s.flags&flagClosed)

	// The variant completes asynchronously and enqueues itself.
	s.MakeClosePending()
	require.False(t, l.closingQueue.empty())

	l.runClosingHandles()
	assert.NotZero(t, s.flags&flagClosed)
}

func TestHandleCloseDuringReapWaitsOneTick(t *testing.T) {
	l, _, _ := newTestLoop(t)
	second := newStubHandle(l)

	secondClosed := false
	newStubHandle(l).Close(func(*Handle) {
		second.Close(func(*Handle) { secondClosed = true })
	})

	l.runClosingHandles()
	assert.False(t, secondClosed, "a handle closed inside a reap waits for the next one")

	l.runClosingHandles()
	assert.True(t, secondClosed)
}

func TestHandleCloseKeepsLoopAlive(t *testing.T) {
	l, _, _ := newTestLoop(t)
	s := newStubHandle(l)

	require.False(t, l.alive())
	s.Close(nil)
	assert.True(t, l.alive(), "pending closing handles keep the loop alive")

	l.runClosingHandles()
	assert.False(t, l.alive())
}

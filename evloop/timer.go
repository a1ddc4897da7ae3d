package evloop

import "container/heap"

// TimerCallback fires on the loop goroutine when the timer's deadline is
// reached.
type TimerCallback func(t *Timer)

// Timer is a deadline handle. Deadlines are milliseconds on the loop's
// cached monotonic clock. Equal deadlines fire in start order.
type Timer struct {
	Handle

	cb       TimerCallback
	deadline uint64
	repeat   uint64
	seq      uint64
	heapIdx  int
}

// NewTimer returns a stopped timer attached to l.
func (l *Loop) NewTimer() *Timer {
	t := &Timer{heapIdx: -1}
	t.Handle.init(l, t)
	return t
}

// Start schedules the callback after timeout milliseconds. A non-zero
// repeat reschedules the timer relative to the fired deadline, not to the
// moment the callback ran, so periodic timers do not drift.
func (t *Timer) Start(cb TimerCallback, timeout, repeat uint64) {
	if cb == nil {
		panic("evloop: timer callback must not be nil")
	}
	if t.IsClosing() {
		panic("evloop: timer started while closing")
	}

	if t.heapIdx != -1 {
		t.Stop()
	}

	l := t.loop
	t.cb = cb
	t.deadline = l.now + timeout
	t.repeat = repeat
	l.timerSeq++
	t.seq = l.timerSeq

	heap.Push(&l.timers, t)
	t.markActive()
}

// Stop cancels a pending timer. Stopping a stopped timer is a no-op.
func (t *Timer) Stop() {
	if t.heapIdx == -1 {
		return
	}
	heap.Remove(&t.loop.timers, t.heapIdx)
	t.markInactive()
}

// Again restarts a repeating timer using its repeat interval. A
// non-repeating timer cannot be restarted this way.
func (t *Timer) Again() bool {
	if t.repeat == 0 {
		return false
	}
	t.Start(t.cb, t.repeat, t.repeat)
	return true
}

// Repeat returns the repeat interval in milliseconds.
func (t *Timer) Repeat() uint64 { return t.repeat }

// SetRepeat changes the repeat interval applied on the next reschedule.
func (t *Timer) SetRepeat(repeat uint64) { t.repeat = repeat }

func (t *Timer) closeHandle() {
	t.Stop()
}

// runTimers fires every timer whose deadline is at or before the cached
// clock, in non-decreasing deadline order.
func (l *Loop) runTimers() {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.deadline > l.now {
			break
		}

		fired := t.deadline
		t.Stop()
		if t.repeat != 0 {
			// Reschedule off the fired deadline to avoid drift.
			t.deadline = fired + t.repeat
			l.timerSeq++
			t.seq = l.timerSeq
			heap.Push(&l.timers, t)
			t.markActive()
		}

		t.cb(t)
	}
}

// nextTimeout converts the earliest deadline into a poll timeout in
// milliseconds: -1 blocks indefinitely, 0 polls without waiting.
func (l *Loop) nextTimeout() int {
	if l.timers.Len() == 0 {
		return -1
	}
	t := l.timers[0]
	if t.deadline <= l.now {
		return 0
	}
	diff := t.deadline - l.now
	if diff > uint64(maxPollTimeout) {
		return maxPollTimeout
	}
	return int(diff)
}

const maxPollTimeout = 1<<31 - 1

// timerHeap orders by (deadline, start sequence).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

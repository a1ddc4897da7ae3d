package evloop

import (
	"go.uber.org/zap"

	"github.com/fzft/go-evloop/log"
)

// Event mask bits a watcher may be interested in. Backends translate these
// to their native readiness flags.
const (
	EventRead  uint32 = 0x1
	EventWrite uint32 = 0x2

	eventMask = EventRead | EventWrite
)

// Hard cap on the watcher table. The table only ever grows; running past
// this bound means the process leaked descriptors and there is no safe way
// to keep driving the loop.
const maxWatcherSlots = 1 << 24

// WatcherCallback is invoked by the backend poller (or the pending drain)
// with the subset of the desired mask that became ready.
type WatcherCallback func(l *Loop, w *Watcher, events uint32)

// Watcher is the per-descriptor interest record embedded in handles that
// poll a raw fd. `events` is what the backend currently has armed,
// `pevents` is what the owner wants; the two may differ for one tick while
// the watcher sits in the rearm queue.
type Watcher struct {
	fd      int
	cb      WatcherCallback
	events  uint32
	pevents uint32

	pending node[*Watcher]
	rearm   node[*Watcher]
}

// Init prepares a watcher for use with the given callback and descriptor.
func (w *Watcher) Init(cb WatcherCallback, fd int) {
	if cb == nil {
		panic("evloop: watcher callback must not be nil")
	}
	if fd < -1 {
		panic("evloop: invalid watcher fd")
	}
	w.cb = cb
	w.fd = fd
	w.events = 0
	w.pevents = 0
	w.pending = node[*Watcher]{owner: w}
	w.rearm = node[*Watcher]{owner: w}
}

// FD returns the watched descriptor.
func (w *Watcher) FD() int { return w.fd }

// Active reports whether any bit of events is currently desired.
func (w *Watcher) Active(events uint32) bool {
	checkEventMask(events)
	return w.pevents&events != 0
}

func checkEventMask(events uint32) {
	if events == 0 || events&^eventMask != 0 {
		panic("evloop: invalid event mask")
	}
}

// StartWatcher ORs events into the watcher's desired mask, grows the
// watcher table to cover its descriptor and schedules a rearm. Backends
// that rearm every descriptor on every tick never take the short-circuit.
func (l *Loop) StartWatcher(w *Watcher, events uint32) {
	checkEventMask(events)
	if w.fd < 0 {
		panic("evloop: watcher started without an fd")
	}

	w.pevents |= events
	l.growWatchers(w.fd + 1)

	if !l.poller.RequiresFullRearm() {
		// Unchanged interest needs no syscall next tick.
		if w.events == w.pevents {
			if w.events == 0 {
				l.rearmQueue.remove(&w.rearm)
			}
			return
		}
	}

	if !w.rearm.linked() {
		l.rearmQueue.pushBack(&w.rearm)
	}

	if l.watchers[w.fd] == nil {
		l.watchers[w.fd] = w
		l.nfds++
	}
}

// StopWatcher clears events from the desired mask. When nothing remains
// desired the watcher gives up its table slot; otherwise it is re-queued
// so the backend narrows its interest on the next tick.
func (l *Loop) StopWatcher(w *Watcher, events uint32) {
	checkEventMask(events)

	if w.fd == -1 {
		return
	}
	if w.fd < 0 {
		panic("evloop: watcher stopped with invalid fd")
	}

	// Happens when a watcher is stopped before it was ever started.
	if w.fd >= l.nwatchers {
		return
	}

	w.pevents &^= events

	if w.pevents == 0 {
		l.rearmQueue.remove(&w.rearm)

		if l.watchers[w.fd] != nil {
			if l.watchers[w.fd] != w {
				panic("evloop: watcher table slot owned by another watcher")
			}
			if l.nfds <= 0 {
				panic("evloop: armed descriptor count underflow")
			}
			l.watchers[w.fd] = nil
			l.nfds--
			w.events = 0
		}
	} else if !w.rearm.linked() {
		l.rearmQueue.pushBack(&w.rearm)
	}
}

// CloseWatcher stops all interest and guarantees no further callback can
// fire for a watcher whose owning handle is going away.
func (l *Loop) CloseWatcher(w *Watcher) {
	l.StopWatcher(w, eventMask)
	l.pendingQueue.remove(&w.pending)
}

// FeedWatcher queues the watcher for immediate dispatch on the next
// pending drain, bypassing the backend poll.
func (l *Loop) FeedWatcher(w *Watcher) {
	if !w.pending.linked() {
		l.pendingQueue.pushBack(&w.pending)
	}
}

// runPending drains the pending-callback queue to completion. Each watcher
// comes off the list fully detached, so its callback may feed it straight
// back for the next tick without being skipped this pass.
func (l *Loop) runPending() {
	for {
		w, ok := l.pendingQueue.popFront()
		if !ok {
			return
		}
		w.cb(l, w, EventWrite)
	}
}

func nextPowerOfTwo(v uint32) uint32 {
	v -= 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v += 1
	return v
}

// growWatchers widens the table so index len-1 is valid. Capacity is the
// next power of two minus the two trailing slots reserved for backend
// bookkeeping; those trailing entries survive every resize. The table
// never shrinks.
func (l *Loop) growWatchers(length int) {
	if length <= l.nwatchers {
		return
	}
	if length > maxWatcherSlots {
		log.Logger.Fatal("watcher table exhausted",
			zap.Int("requested", length),
			zap.Int("limit", maxWatcherSlots))
	}

	var fakeList, fakeCount *Watcher
	if l.watchers != nil {
		fakeList = l.watchers[l.nwatchers]
		fakeCount = l.watchers[l.nwatchers+1]
	}

	nwatchers := int(nextPowerOfTwo(uint32(length+2))) - 2
	watchers := make([]*Watcher, nwatchers+2)
	copy(watchers, l.watchers[:l.nwatchers])
	watchers[nwatchers] = fakeList
	watchers[nwatchers+1] = fakeCount

	l.watchers = watchers
	l.nwatchers = nwatchers
}

// backendWatcher and setBackendWatcher expose the two reserved trailing
// table slots to the poller. i must be 0 or 1.
func (l *Loop) backendWatcher(i int) *Watcher {
	if l.watchers == nil {
		return nil
	}
	return l.watchers[l.nwatchers+i]
}

func (l *Loop) setBackendWatcher(i int, w *Watcher) {
	if l.watchers == nil {
		l.growWatchers(1)
	}
	l.watchers[l.nwatchers+i] = w
}

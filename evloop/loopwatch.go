package evloop

// Prepare, Check and Idle handles share one implementation: a callback on
// a per-phase queue, run once per tick. Idle handles additionally force a
// zero poll timeout while any is started, keeping the loop spinning.

type loopWatch struct {
	Handle

	cb         func()
	queue      *list[*loopWatch]
	membership node[*loopWatch]
	started    bool
}

func (lw *loopWatch) start(cb func()) {
	if cb == nil {
		panic("evloop: nil phase callback")
	}
	if lw.IsClosing() {
		panic("evloop: phase handle started while closing")
	}
	if lw.started {
		lw.cb = cb
		return
	}
	lw.cb = cb
	lw.started = true
	lw.queue.pushBack(&lw.membership)
	lw.markActive()
}

func (lw *loopWatch) stop() {
	if !lw.started {
		return
	}
	lw.started = false
	lw.queue.remove(&lw.membership)
	lw.markInactive()
}

func (lw *loopWatch) closeHandle() {
	lw.stop()
}

func (l *Loop) newLoopWatch(q *list[*loopWatch]) *loopWatch {
	lw := &loopWatch{queue: q}
	lw.membership = node[*loopWatch]{owner: lw}
	lw.Handle.init(l, lw)
	return lw
}

func runLoopWatch(q *list[*loopWatch]) {
	q.each(func(lw *loopWatch) {
		if lw.started {
			lw.cb()
		}
	})
}

// Prepare runs its callback right before the loop blocks in the backend
// poll.
type Prepare struct{ *loopWatch }

func (l *Loop) NewPrepare() Prepare { return Prepare{l.newLoopWatch(&l.prepareQueue)} }

func (p Prepare) Start(cb func()) { p.start(cb) }
func (p Prepare) Stop()           { p.stop() }

// Check runs its callback right after the loop returns from the backend
// poll.
type Check struct{ *loopWatch }

func (l *Loop) NewCheck() Check { return Check{l.newLoopWatch(&l.checkQueue)} }

func (c Check) Start(cb func()) { c.start(cb) }
func (c Check) Stop()           { c.stop() }

// Idle runs its callback every tick and keeps the poll from blocking.
type Idle struct{ *loopWatch }

func (l *Loop) NewIdle() Idle { return Idle{l.newLoopWatch(&l.idleQueue)} }

func (i Idle) Start(cb func()) { i.start(cb) }
func (i Idle) Stop()           { i.stop() }

func (l *Loop) runIdle()    { runLoopWatch(&l.idleQueue) }
func (l *Loop) runPrepare() { runLoopWatch(&l.prepareQueue) }
func (l *Loop) runCheck()   { runLoopWatch(&l.checkQueue) }

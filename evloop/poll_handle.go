package evloop

// PollCallback reports readiness on a PollHandle's descriptor.
type PollCallback func(p *PollHandle, events uint32)

// PollHandle watches an arbitrary descriptor for readability or
// writability. It is the sanctioned boundary for code that owns a raw fd
// and wants the loop to drive it.
type PollHandle struct {
	Handle

	cb      PollCallback
	watcher Watcher
}

// NewPoll attaches a readiness handle for fd to l. The descriptor must
// already be non-blocking; the handle never takes ownership of it.
func (l *Loop) NewPoll(fd int) *PollHandle {
	if fd < 0 {
		panic("evloop: poll handle requires a valid fd")
	}
	p := &PollHandle{}
	p.watcher.Init(p.onReady, fd)
	p.Handle.init(l, p)
	return p
}

// FD returns the watched descriptor.
func (p *PollHandle) FD() int { return p.watcher.fd }

// Start arms interest in events. Restarting with a different mask replaces
// the previous interest.
func (p *PollHandle) Start(events uint32, cb PollCallback) {
	checkEventMask(events)
	if p.IsClosing() {
		panic("evloop: poll handle started while closing")
	}

	p.stopWatching()
	p.cb = cb
	p.loop.StartWatcher(&p.watcher, events)
	p.markActive()
}

// Stop disarms all interest.
func (p *PollHandle) Stop() {
	p.stopWatching()
	p.markInactive()
}

func (p *PollHandle) stopWatching() {
	if p.watcher.pevents != 0 {
		p.loop.StopWatcher(&p.watcher, p.watcher.pevents)
	}
}

func (p *PollHandle) onReady(l *Loop, w *Watcher, events uint32) {
	if p.cb != nil {
		p.cb(p, events)
	}
}

func (p *PollHandle) closeHandle() {
	p.stopWatching()
	p.loop.CloseWatcher(&p.watcher)
	p.markInactive()
}

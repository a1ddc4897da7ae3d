package evloop

// CloseCallback is invoked exactly once, after the handle is fully torn
// down and unlinked from its loop.
type CloseCallback func(h *Handle)

// closer is the teardown hook every handle variant provides. It runs
// synchronously inside Close and must either leave the handle immediately
// reapable or elect a deferred close via DeferClose.
type closer interface {
	closeHandle()
}

// destructor is implemented by variants that hold allocated internal state
// (buffers, queues) released during the reap phase, after CLOSED is set
// and before the close callback runs.
type destructor interface {
	destroyHandle()
}

const (
	flagClosing uint32 = 1 << iota
	flagClosed
	flagCloseDeferred
	flagHandleActive
	flagBaseline
)

// Handle is the state shared by every handle variant. A handle belongs to
// exactly one loop for its whole life and walks the irreversible
// ACTIVE -> CLOSING [-> CLOSING-DEFERRED] -> CLOSED path.
type Handle struct {
	loop    *Loop
	flags   uint32
	closeCb CloseCallback

	// variant is the embedding type's capability surface.
	variant closer

	handles node[*Handle]
	closing node[*Handle]
}

func (h *Handle) init(l *Loop, variant closer) {
	if l == nil {
		panic("evloop: handle requires a loop")
	}
	h.loop = l
	h.flags = 0
	h.variant = variant
	h.handles = node[*Handle]{owner: h}
	h.closing = node[*Handle]{owner: h}
	l.handleQueue.pushBack(&h.handles)
}

// Loop returns the loop the handle is attached to.
func (h *Handle) Loop() *Loop { return h.loop }

// IsClosing reports whether Close has been called on the handle.
func (h *Handle) IsClosing() bool {
	return h.flags&(flagClosing|flagClosed) != 0
}

// IsActive reports whether the handle is counted against loop aliveness.
func (h *Handle) IsActive() bool {
	return h.flags&flagHandleActive != 0
}

// markActive and markInactive maintain the loop's active-handle count.
// Variants flip them on Start/Stop; closing flips them for the last time.
func (h *Handle) markActive() {
	if h.flags&flagHandleActive != 0 {
		return
	}
	h.flags |= flagHandleActive
	h.loop.activeHandles++
}

func (h *Handle) markInactive() {
	if h.flags&flagHandleActive == 0 {
		return
	}
	h.flags &^= flagHandleActive
	h.loop.activeHandles--
}

// markBaseline excludes an internal bookkeeping handle (the work-queue
// wakeup) from keeping the loop alive on its own.
func (h *Handle) markBaseline() {
	if h.flags&flagBaseline != 0 {
		return
	}
	h.flags |= flagBaseline
	h.loop.baselineHandles++
}

// Close starts the teardown of a handle. Closing a handle twice is a
// caller bug. The variant's teardown hook runs synchronously; unless it
// deferred itself the handle is reapable when Close returns, and the close
// callback fires during the next reap phase.
func (h *Handle) Close(cb CloseCallback) {
	if h.IsClosing() {
		panic("evloop: handle closed twice")
	}

	h.flags |= flagClosing
	h.closeCb = cb

	if h.variant != nil {
		h.variant.closeHandle()
	}

	if h.flags&flagCloseDeferred == 0 {
		h.MakeClosePending()
	}
}

// DeferClose is called from inside a teardown hook by the one variant
// class (signal-style delivery handles) whose teardown may still have a
// completion in flight. The handle stays in CLOSING until the variant
// calls MakeClosePending itself.
func (h *Handle) DeferClose() {
	if h.flags&flagClosing == 0 {
		panic("evloop: DeferClose outside a teardown hook")
	}
	h.flags |= flagCloseDeferred
}

// MakeClosePending enqueues the handle on its loop's closing list, in FIFO
// order, making it reapable at the end of the current or next tick.
func (h *Handle) MakeClosePending() {
	if h.flags&flagClosing == 0 {
		panic("evloop: handle not closing")
	}
	if h.flags&flagClosed != 0 {
		panic("evloop: handle already closed")
	}
	h.flags &^= flagCloseDeferred
	if !h.closing.linked() {
		h.loop.closingQueue.pushBack(&h.closing)
	}
}

func (h *Handle) finishClose() {
	if h.flags&flagClosing == 0 {
		panic("evloop: reaping a handle that is not closing")
	}
	if h.flags&flagClosed != 0 {
		panic("evloop: reaping a handle twice")
	}
	h.flags |= flagClosed

	if d, ok := h.variant.(destructor); ok {
		d.destroyHandle()
	}

	h.markInactive()
	if h.flags&flagBaseline != 0 {
		h.flags &^= flagBaseline
		h.loop.baselineHandles--
	}
	h.loop.handleQueue.remove(&h.handles)

	// User code in the callback must observe the handle fully torn down.
	if h.closeCb != nil {
		h.closeCb(h)
	}
}

// runClosingHandles is the reap phase. It takes ownership of the whole
// closing list up front so close callbacks that close further handles park
// them for the next tick instead of extending this one.
func (l *Loop) runClosingHandles() {
	for _, h := range l.closingQueue.takeAll() {
		h.finishClose()
	}
}

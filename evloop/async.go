package evloop

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-evloop/log"
)

// AsyncCallback runs on the loop goroutine after Send was called from any
// goroutine. Multiple Sends before the loop wakes coalesce into one call.
type AsyncCallback func(a *Async)

// Async is the cross-thread wake handle: an eventfd armed for reads whose
// Send is safe to call off-loop. It is the only sanctioned way to
// interrupt a blocked backend poll.
type Async struct {
	Handle

	cb      AsyncCallback
	watcher Watcher
	efd     int
	pending int32
}

// NewAsync creates and starts a wake handle on l.
func NewAsync(l *Loop, cb AsyncCallback) (*Async, error) {
	if cb == nil {
		panic("evloop: async callback must not be nil")
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}

	a := &Async{cb: cb, efd: efd}
	a.watcher.Init(a.onWake, efd)
	a.Handle.init(l, a)
	l.StartWatcher(&a.watcher, EventRead)
	a.markActive()
	return a, nil
}

// Send wakes the owning loop. Safe to call from any goroutine, any number
// of times; wakes coalesce until the loop drains the eventfd.
func (a *Async) Send() {
	if !atomic.CompareAndSwapInt32(&a.pending, 0, 1) {
		return
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(a.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is already non-zero; the loop will
		// wake regardless.
		if err != nil && err != unix.EAGAIN {
			log.Logger.Error("async wake write failed",
				zap.Int("fd", a.efd), zap.Error(err))
		}
		return
	}
}

func (a *Async) onWake(l *Loop, w *Watcher, events uint32) {
	var buf [8]byte
	for {
		_, err := unix.Read(a.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	atomic.StoreInt32(&a.pending, 0)
	a.cb(a)
}

func (a *Async) closeHandle() {
	a.loop.CloseWatcher(&a.watcher)
	if err := unix.Close(a.efd); err != nil {
		log.Logger.Warn("close eventfd failed",
			zap.Int("fd", a.efd), zap.Error(err))
	}
	a.efd = -1
	a.watcher.fd = -1
	a.markInactive()
}

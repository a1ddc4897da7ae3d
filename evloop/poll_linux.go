//go:build linux
// +build linux

package evloop

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-evloop/log"
)

const maxPollEvents = 1024

// EpollPoller is the Linux backend. Interest changes parked on the loop's
// rearm queue are applied with epoll_ctl before each wait; readiness is
// dispatched straight to the watcher callbacks.
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewEpollPoller creates an epoll instance with close-on-exec set.
func NewEpollPoller() (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxPollEvents),
	}, nil
}

// FD returns the epoll descriptor.
func (p *EpollPoller) FD() int { return p.epfd }

// RequiresFullRearm is false for epoll: unchanged interest needs no
// epoll_ctl call.
func (p *EpollPoller) RequiresFullRearm() bool { return false }

func toEpoll(events uint32) uint32 {
	var ev uint32
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) uint32 {
	var events uint32
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		events |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	// Errors and hangups are delivered as whatever the watcher asked
	// for, so its callback observes the failure on the next I/O attempt.
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventRead | EventWrite
	}
	return events
}

func (p *EpollPoller) applyRearm(l *Loop) error {
	for {
		w, ok := l.rearmQueue.popFront()
		if !ok {
			return nil
		}

		op := unix.EPOLL_CTL_ADD
		if w.events != 0 {
			op = unix.EPOLL_CTL_MOD
		}

		ev := unix.EpollEvent{Fd: int32(w.fd), Events: toEpoll(w.pevents)}
		err := unix.EpollCtl(p.epfd, op, w.fd, &ev)
		if err == unix.EEXIST {
			// The slot owner changed under us (fd closed and reused).
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, w.fd, &ev)
		}
		if err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
		w.events = w.pevents
	}
}

// Poll applies pending interest changes, waits up to timeoutMS and
// dispatches readiness to watcher callbacks. Events for descriptors that
// no longer own a table slot are discarded and counted on the reserved
// bookkeeping slot at the tail of the watcher table.
func (p *EpollPoller) Poll(l *Loop, timeoutMS int, loopID int) error {
	if err := p.applyRearm(l); err != nil {
		return err
	}

	if l.nfds == 0 && timeoutMS == 0 {
		return nil
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)

		var w *Watcher
		if fd >= 0 && fd < l.nwatchers {
			w = l.watchers[fd]
		}
		if w == nil {
			p.invalidate(l, fd)
			continue
		}

		mask := fromEpoll(ev.Events) & w.pevents
		if mask != 0 {
			w.cb(l, w, mask)
		}
	}
	return nil
}

// invalidate drops a stale descriptor from the epoll set and bumps the
// discard counter kept on the reserved tail slot, mirroring where the C
// implementation parks its fake-watcher bookkeeping.
func (p *EpollPoller) invalidate(l *Loop, fd int) {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		log.Logger.Debug("stale fd removal failed",
			zap.Int("fd", fd), zap.Error(err))
	}

	counter := l.backendWatcher(1)
	if counter == nil {
		counter = &Watcher{fd: -1}
		l.setBackendWatcher(1, counter)
	}
	counter.events++
}

// Close releases the epoll descriptor.
func (p *EpollPoller) Close() error {
	if p.epfd == -1 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return os.NewSyscallError("close", err)
}

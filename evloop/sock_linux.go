//go:build linux
// +build linux

package evloop

import (
	"os"

	"golang.org/x/sys/unix"
)

// Thin descriptor setup wrappers. Everything the loop hands to user code
// is non-blocking and close-on-exec.

// Socket opens a socket atomically in non-blocking close-on-exec mode.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// Accept accepts a connection with the non-blocking and close-on-exec
// flags applied atomically, retrying on EINTR.
func Accept(fd int) (int, unix.Sockaddr, error) {
	for {
		connFd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, os.NewSyscallError("accept4", err)
		}
		return connFd, sa, nil
	}
}

// SetNonblock toggles O_NONBLOCK on a descriptor.
func SetNonblock(fd int, set bool) error {
	return os.NewSyscallError("fcntl", unix.SetNonblock(fd, set))
}

// CloseFD closes a descriptor, preserving errno semantics across EINTR.
func CloseFD(fd int) error {
	if fd < 0 {
		panic("evloop: closing an uninitialized fd")
	}
	err := unix.Close(fd)
	if err == unix.EINTR {
		// Linux guarantees the descriptor is gone; report in-progress
		// for consistency with other platforms.
		err = unix.EINPROGRESS
	}
	return os.NewSyscallError("close", err)
}

package main

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-evloop/evloop"
	"github.com/fzft/go-evloop/log"
)

const (
	listenBacklog = 511
	readChunk     = 16 * 1024
)

type echoServer struct {
	loop     *evloop.Loop
	listenFd int
	listener *evloop.PollHandle
	conns    map[int]*conn
	metrics  *metrics
}

type conn struct {
	srv    *echoServer
	fd     int
	handle *evloop.PollHandle
	// bytes read but not yet written back
	out []byte
}

func newEchoServer(loop *evloop.Loop, port int, m *metrics) (*echoServer, error) {
	fd, err := evloop.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		evloop.CloseFD(fd)
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		evloop.CloseFD(fd)
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		evloop.CloseFD(fd)
		return nil, err
	}

	s := &echoServer{
		loop:     loop,
		listenFd: fd,
		conns:    make(map[int]*conn),
		metrics:  m,
	}
	s.listener = loop.NewPoll(fd)
	s.listener.Start(evloop.EventRead, s.onAccept)
	return s, nil
}

func (s *echoServer) onAccept(_ *evloop.PollHandle, _ uint32) {
	for {
		connFd, sa, err := evloop.Accept(s.listenFd)
		if err != nil {
			if unwrapErrno(err) == unix.EAGAIN {
				return
			}
			log.Logger.Error("accept failed", zap.Error(err))
			return
		}

		c := &conn{srv: s, fd: connFd}
		c.handle = s.loop.NewPoll(connFd)
		c.handle.Start(evloop.EventRead, c.onReady)
		s.conns[connFd] = c

		s.metrics.accepts.Inc()
		s.metrics.activeConns.Inc()
		log.Logger.Debug("connection accepted",
			zap.Int("fd", connFd), zap.String("peer", peerAddr(sa)))
	}
}

func (c *conn) onReady(_ *evloop.PollHandle, events uint32) {
	if events&evloop.EventRead != 0 {
		c.read()
	}
	if events&evloop.EventWrite != 0 {
		c.flush()
	}
}

func (c *conn) read() {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil || n == 0 {
			c.close()
			return
		}

		c.out = append(c.out, buf[:n]...)
		c.flush()
		if c.handle.IsClosing() {
			return
		}
	}
}

func (c *conn) flush() {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Kernel buffer full; wait for writability.
			c.handle.Start(evloop.EventRead|evloop.EventWrite, c.onReady)
			return
		}
		if err != nil {
			log.Logger.Warn("write failed", zap.Int("fd", c.fd), zap.Error(err))
			c.close()
			return
		}
		c.out = c.out[n:]
		c.srv.metrics.echoedBytes.Add(float64(n))
	}

	// Drained; read interest only.
	c.handle.Start(evloop.EventRead, c.onReady)
}

func (c *conn) close() {
	if c.handle.IsClosing() {
		return
	}
	fd := c.fd
	c.handle.Close(func(*evloop.Handle) {
		evloop.CloseFD(fd)
	})
	delete(c.srv.conns, fd)
	c.srv.metrics.activeConns.Dec()
	log.Logger.Debug("connection closed", zap.Int("fd", fd))
}

// shutdown closes the listener and every connection. The caller reaps the
// closing handles with one more non-blocking loop pass.
func (s *echoServer) shutdown() {
	for _, c := range s.conns {
		c.close()
	}
	fd := s.listenFd
	s.listener.Close(func(*evloop.Handle) {
		evloop.CloseFD(fd)
	})
}

func unwrapErrno(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

func peerAddr(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		return fmt.Sprintf("%s:%d", ip, addr.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(addr.Addr[:]), addr.Port)
	default:
		return "unknown"
	}
}

//go:build linux

// Package netlinksock provides NETLINK_ROUTE sockets registered with the Go
// runtime poller, so reads honour deadlines and Close unblocks a pending
// Receive.
package netlinksock

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTruncated is returned by Receive when a datagram did not fit the
// receive buffer. The buffer is grown to fit before the next Receive.
var ErrTruncated = errors.New("netlink datagram truncated")

// UnknownPort is reported as the source port when the kernel did not
// return a netlink source address. It is never the kernel's port.
const UnknownPort = math.MaxUint32

var kernelAddr = &unix.SockaddrNetlink{Family: unix.AF_NETLINK}

// Conn is a single rtnetlink socket.
type Conn struct {
	f      *os.File
	rc     syscall.RawConn
	buf    []byte
	closed atomic.Bool
}

// Subscribe opens a socket bound to the given RTMGRP_* multicast groups.
func Subscribe(groups uint32) (*Conn, error) {
	return open(groups)
}

// Dial opens an unbound socket for request/response exchanges with the
// kernel.
func Dial() (*Conn, error) {
	return open(0)
}

func open(groups uint32) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}

	return newConn(fd, fmt.Sprintf("netlink:%d", groups))
}

// newConn takes ownership of a non-blocking datagram socket.
func newConn(fd int, name string) (*Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Conn{
		f:   f,
		rc:  rc,
		buf: make([]byte, max(os.Getpagesize(), 8192)),
	}, nil
}

// Receive blocks until a datagram arrives, the read deadline passes or the
// connection is closed. It returns a copy of the datagram and the sender's
// netlink port ID (0 for the kernel). A datagram larger than the buffer is
// dropped with ErrTruncated.
func (c *Conn) Receive() ([]byte, uint32, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := c.rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), c.buf, unix.MSG_TRUNC)
		return rerr != unix.EAGAIN
	})
	if err != nil {
		return nil, 0, c.wrap(err)
	}
	if rerr != nil {
		return nil, 0, os.NewSyscallError("recvfrom", rerr)
	}
	if n > len(c.buf) {
		c.buf = make([]byte, n)
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTruncated, n)
	}

	port := uint32(UnknownPort)
	if sa, ok := from.(*unix.SockaddrNetlink); ok {
		port = sa.Pid
	}

	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, port, nil
}

// Send writes one request to the kernel.
func (c *Conn) Send(b []byte) error {
	var serr error
	err := c.rc.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), b, 0, kernelAddr)
		return serr != unix.EAGAIN
	})
	if err != nil {
		return c.wrap(err)
	}
	if serr != nil {
		return os.NewSyscallError("sendto", serr)
	}
	return nil
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.f.SetDeadline(t)
}

// Close releases the socket. A concurrent Receive returns os.ErrClosed.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.f.Close()
}

// wrap reports poller errors caused by Close as os.ErrClosed; the raw
// connection returns the poller's own closing error.
func (c *Conn) wrap(err error) error {
	if c.closed.Load() {
		return os.ErrClosed
	}
	return err
}

// Exchange sends req on a fresh socket and returns the first reply, giving
// up after timeout.
func Exchange(req []byte, timeout time.Duration) ([]byte, uint32, error) {
	c, err := Dial()
	if err != nil {
		return nil, 0, err
	}
	defer c.Close()

	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, err
	}
	if err := c.Send(req); err != nil {
		return nil, 0, err
	}
	return c.Receive()
}

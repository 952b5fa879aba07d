//go:build !linux

package netlinksock

import (
	"errors"
	"time"
)

const UnknownPort = ^uint32(0)

var ErrTruncated = errors.New("netlink datagram truncated")

var errUnsupported = errors.New("netlink sockets are only available on linux")

type Conn struct{}

func Subscribe(groups uint32) (*Conn, error) { return nil, errUnsupported }

func Dial() (*Conn, error) { return nil, errUnsupported }

func (c *Conn) Receive() ([]byte, uint32, error) { return nil, 0, errUnsupported }

func (c *Conn) Send(b []byte) error { return errUnsupported }

func (c *Conn) SetDeadline(t time.Time) error { return errUnsupported }

func (c *Conn) Close() error { return nil }

func Exchange(req []byte, timeout time.Duration) ([]byte, uint32, error) {
	return nil, 0, errUnsupported
}

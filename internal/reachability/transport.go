package reachability

import (
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/ipreachd/internal/netlinksock"
)

// Receiver is a bound neighbor notification channel.
type Receiver interface {
	// Receive blocks until a buffer arrives and returns it together with
	// the sender's port ID. It returns an error once Close has been called.
	Receive() ([]byte, uint32, error)
	Close() error
}

// Transport connects the monitor to the kernel neighbor table.
type Transport interface {
	// Subscribe binds a receiver to neighbor table change notifications
	// for all interfaces.
	Subscribe() (Receiver, error)

	// Exchange sends one request on a short-lived socket and returns the
	// first reply and its source port, failing after timeout.
	Exchange(req []byte, timeout time.Duration) ([]byte, uint32, error)
}

// IndexResolver maps an interface name to its kernel index.
type IndexResolver func(name string) (int, error)

type netlinkTransport struct{}

func (netlinkTransport) Subscribe() (Receiver, error) {
	c, err := netlinksock.Subscribe(unix.RTMGRP_NEIGH)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (netlinkTransport) Exchange(req []byte, timeout time.Duration) ([]byte, uint32, error) {
	return netlinksock.Exchange(req, timeout)
}

func resolveLinkIndex(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

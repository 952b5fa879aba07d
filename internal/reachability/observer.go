package reachability

import (
	"errors"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/netlinkmsg"
	"github.com/dmdmdm-nz/ipreachd/internal/netlinksock"
)

// isTransient reports receive errors after which the socket is still
// usable. ENOBUFS means the kernel dropped notifications on an overrun
// receive queue.
func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ENOBUFS)
}

func (m *Monitor) observe() {
	defer close(m.done)

	conn, err := m.transport.Subscribe()
	if err != nil {
		m.log.WithError(err).Error("Failed to bind neighbor notification socket")
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	m.log.Info("Started neighbor reachability monitor")

	for m.isRunning() {
		buf, port, err := conn.Receive()
		if err != nil {
			if errors.Is(err, netlinksock.ErrTruncated) {
				m.log.WithError(err).Warn("Dropping oversized neighbor notification")
				continue
			}
			if isTransient(err) {
				m.log.WithError(err).Trace("Transient neighbor socket error")
				continue
			}
			if m.isRunning() {
				m.log.WithError(err).Error("Neighbor notification socket failed")
			}
			break
		}
		m.handleBuffer(buf, port)
	}

	m.mu.Lock()
	m.running = false
	m.conn = nil
	m.mu.Unlock()
	conn.Close()

	m.log.Debug("Neighbor observer exited")
}

func (m *Monitor) handleBuffer(buf []byte, port uint32) {
	msgs, err := netlinkmsg.DecodeAll(buf, port)
	for _, msg := range msgs {
		if msg.Neighbor != nil {
			m.handleNeighbor(*msg.Neighbor)
		}
	}

	switch {
	case errors.Is(err, netlinkmsg.ErrForeignSource):
		m.log.WithField("port", port).Warn("Dropping netlink message from non-kernel sender")
	case err != nil:
		m.log.WithError(err).Warn("Dropping unparsable netlink message")
	}
}

func (m *Monitor) handleNeighbor(ev netlinkmsg.NeighborEvent) {
	if ev.IfIndex != m.ifIndex {
		return
	}

	state := ev.State
	if ev.Deleted {
		state = netlinkmsg.NudNone
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	prev, watched := m.watchList[ev.Addr]
	if !watched {
		m.mu.Unlock()
		return
	}
	m.watchList[ev.Addr] = state
	m.mu.Unlock()

	m.log.WithFields(log.Fields{
		"address": ev.Addr,
		"from":    prev,
		"to":      state,
		"deleted": ev.Deleted,
	}).Debug("Neighbor state changed")

	if state == netlinkmsg.NudFailed {
		m.evaluateLoss(ev.Addr)
	}
}

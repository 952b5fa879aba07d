package reachability

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/netlinkmsg"
)

// ProbeConfig sizes the probe burst. The wake-hold is an estimate from
// these values, not from the kernel's live neighbor parameters.
type ProbeConfig struct {
	UnicastProbes      int
	RetransmitInterval time.Duration
	GracePeriod        time.Duration
	// Timeout bounds each probe request/response exchange.
	Timeout time.Duration
}

// DefaultProbeConfig matches the kernel defaults for ucast_solicit and
// retrans_time_ms.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		UnicastProbes:      3,
		RetransmitInterval: 1000 * time.Millisecond,
		GracePeriod:        500 * time.Millisecond,
		Timeout:            300 * time.Millisecond,
	}
}

// WakeHoldDuration is how long the host is kept awake for one burst.
func (c ProbeConfig) WakeHoldDuration() time.Duration {
	return time.Duration(c.UnicastProbes)*c.RetransmitInterval + c.GracePeriod
}

// ProbeError is the failure to ask the kernel to probe one neighbor.
type ProbeError struct {
	Addr netip.Addr
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Addr, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

var errNoAck = errors.New("no acknowledgement in reply")

// ProbeAll asks the kernel to re-validate every watched neighbor. It
// returns once every request was acknowledged or failed; the resulting
// state changes arrive later through the observer.
func (m *Monitor) ProbeAll() {
	m.mu.Lock()
	addrs := sortedAddrs(m.watchList)
	running := m.running
	m.mu.Unlock()

	if !running || len(addrs) == 0 {
		return
	}

	hold := m.probe.WakeHoldDuration()
	if err := m.wakeLock.Acquire(hold); err != nil {
		m.log.WithError(err).Warn("Failed to acquire wake lock for neighbor probes")
	}

	for _, addr := range addrs {
		if !m.isRunning() {
			m.log.Debug("Monitor stopped, abandoning probe burst")
			return
		}

		if err := m.probeNeighbor(addr); err != nil {
			m.log.WithError(err).WithField("address", addr).Warn("Neighbor probe failed")
			continue
		}
		m.log.WithFields(log.Fields{
			"address":  addr,
			"wakeHold": hold,
		}).Debug("Probed neighbor")
	}
}

func (m *Monitor) probeNeighbor(addr netip.Addr) error {
	req := netlinkmsg.EncodeProbeRequest(m.seq.Add(1), m.ifIndex, addr)

	reply, port, err := m.transport.Exchange(req, m.probe.Timeout)
	if err != nil {
		return &ProbeError{Addr: addr, Err: err}
	}

	msgs, err := netlinkmsg.DecodeAll(reply, port)
	if err != nil {
		return &ProbeError{Addr: addr, Err: err}
	}
	for _, msg := range msgs {
		if msg.Error != nil {
			if err := msg.Error.Err(); err != nil {
				return &ProbeError{Addr: addr, Err: err}
			}
			return nil
		}
	}
	return &ProbeError{Addr: addr, Err: errNoAck}
}

package reachability

import (
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
)

// evaluateLoss decides whether losing addr loses provisioning and, if so,
// runs the loss callback. It runs on the observer goroutine.
func (m *Monitor) evaluateLoss(addr netip.Addr) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	before := m.linkProps
	m.mu.Unlock()

	after := before.WithoutNeighbor(addr)
	change := m.compare(before, after)

	fields := log.Fields{
		"address": addr,
		"change":  change,
	}
	if change != linkprops.LostProvisioning {
		m.log.WithFields(fields).Debug("Neighbor failure does not affect provisioning")
		return
	}

	diagnostic := fmt.Sprintf("FAILURE: %s, neighbor %s on %s unreachable: before %s after %s",
		change, addr, m.ifName, before, after)
	m.log.WithFields(fields).Warn("Neighbor failure lost provisioning")

	if !m.isRunning() {
		return
	}
	m.onLoss(addr, diagnostic)
}

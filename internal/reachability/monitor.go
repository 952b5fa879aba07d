// Package reachability watches the on-link gateways and DNS servers of one
// interface through the kernel neighbor table and reports when the failure
// of one of them would leave the interface without provisioning.
package reachability

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
	"github.com/dmdmdm-nz/ipreachd/internal/netlinkmsg"
	"github.com/dmdmdm-nz/ipreachd/internal/wakelock"
)

// LossFunc is called with a failed neighbor and a diagnostic message when
// losing that neighbor loses provisioning. It runs on the goroutine that
// decodes kernel notifications, so it must return quickly; later neighbor
// failures are not seen until it does. Stop waits for the callback to
// return, so a callback that stops the monitor must do so from another
// goroutine (go m.Stop()).
type LossFunc func(addr netip.Addr, diagnostic string)

// Option configures a Monitor.
type Option func(*Monitor)

// WithTransport replaces the kernel netlink transport.
func WithTransport(t Transport) Option {
	return func(m *Monitor) { m.transport = t }
}

// WithWakeLock sets the wake lock held while probing.
func WithWakeLock(wl wakelock.WakeLock) Option {
	return func(m *Monitor) { m.wakeLock = wl }
}

// WithCompare sets the rule that classifies the loss of a neighbor.
func WithCompare(f linkprops.CompareFunc) Option {
	return func(m *Monitor) { m.compare = f }
}

// WithProbeConfig sets the probe timing and kernel NUD settings.
func WithProbeConfig(cfg ProbeConfig) Option {
	return func(m *Monitor) { m.probe = cfg }
}

// WithIndexResolver sets how the interface name is resolved to an index.
func WithIndexResolver(r IndexResolver) Option {
	return func(m *Monitor) { m.resolve = r }
}

// Monitor tracks the NUD state of the on-link neighbors of one interface.
type Monitor struct {
	ifName  string
	ifIndex int
	onLoss  LossFunc

	transport Transport
	wakeLock  wakelock.WakeLock
	compare   linkprops.CompareFunc
	probe     ProbeConfig
	resolve   IndexResolver

	seq  atomic.Uint32
	done chan struct{}
	log  *log.Entry

	mu          sync.Mutex
	running     bool
	conn        Receiver
	linkProps   *linkprops.LinkProperties
	watchList   map[netip.Addr]netlinkmsg.NudState
	listVersion uint64
}

// New resolves ifName and starts observing neighbor notifications for it.
func New(ifName string, onLoss LossFunc, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		ifName:    ifName,
		onLoss:    onLoss,
		transport: netlinkTransport{},
		wakeLock:  wakelock.Noop{},
		compare:   linkprops.Compare,
		probe:     DefaultProbeConfig(),
		resolve:   resolveLinkIndex,
		done:      make(chan struct{}),
		watchList: make(map[netip.Addr]netlinkmsg.NudState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.onLoss == nil {
		m.onLoss = func(netip.Addr, string) {}
	}

	index, err := m.resolve(ifName)
	if err != nil {
		return nil, fmt.Errorf("resolve interface %q: %w", ifName, err)
	}
	m.ifIndex = index
	m.log = log.WithFields(log.Fields{
		"interface": ifName,
		"index":     index,
	})
	m.linkProps = &linkprops.LinkProperties{InterfaceName: ifName}
	m.running = true

	go m.observe()

	return m, nil
}

func (m *Monitor) InterfaceName() string { return m.ifName }

func (m *Monitor) InterfaceIndex() int { return m.ifIndex }

func (m *Monitor) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// UpdateLinkProperties installs a copy of lp and recomputes the watch list.
// Snapshots for another interface are ignored.
func (m *Monitor) UpdateLinkProperties(lp *linkprops.LinkProperties) {
	if lp == nil {
		return
	}
	if lp.InterfaceName != m.ifName {
		m.log.WithField("got", lp.InterfaceName).Error("Ignoring link properties for a different interface")
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.log.Debug("Ignoring link properties update, monitor not running")
		return
	}
	m.linkProps = lp.Clone()
	m.watchList = recompute(m.linkProps, m.watchList)
	m.listVersion++
	desc := m.describeLocked()
	m.mu.Unlock()

	m.log.WithField("watchList", desc).Debug("Updated watch list")
}

// ClearLinkProperties drops the snapshot and empties the watch list.
func (m *Monitor) ClearLinkProperties() {
	m.mu.Lock()
	m.linkProps = &linkprops.LinkProperties{InterfaceName: m.ifName}
	clearWatchList(m.watchList)
	m.listVersion++
	m.mu.Unlock()

	m.log.Debug("Cleared watch list")
}

// Stop ends monitoring. It is idempotent and returns only after the observer
// goroutine has exited, so no loss callback runs once it returns. Calling it
// directly from the loss callback deadlocks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.linkProps = &linkprops.LinkProperties{InterfaceName: m.ifName}
	if wasRunning {
		clearWatchList(m.watchList)
		m.listVersion++
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-m.done

	if wasRunning {
		m.log.Info("Stopped neighbor reachability monitor")
	}
}

// Done is closed once the observer goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// WatchEntry is one watched neighbor.
type WatchEntry struct {
	Address netip.Addr          `json:"address"`
	State   netlinkmsg.NudState `json:"state"`
}

// WatchListSnapshot is a point in time copy of the monitor state.
type WatchListSnapshot struct {
	Interface string       `json:"interface"`
	Index     int          `json:"index"`
	Version   uint64       `json:"version"`
	Running   bool         `json:"running"`
	Entries   []WatchEntry `json:"entries"`
}

func (m *Monitor) Snapshot() WatchListSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := WatchListSnapshot{
		Interface: m.ifName,
		Index:     m.ifIndex,
		Version:   m.listVersion,
		Running:   m.running,
		Entries:   make([]WatchEntry, 0, len(m.watchList)),
	}
	for _, addr := range sortedAddrs(m.watchList) {
		s.Entries = append(s.Entries, WatchEntry{Address: addr, State: m.watchList[addr]})
	}
	return s
}

// String dumps the watch list for debugging.
func (m *Monitor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.describeLocked()
}

func (m *Monitor) describeLocked() string {
	entries := make([]string, 0, len(m.watchList))
	for _, addr := range sortedAddrs(m.watchList) {
		entries = append(entries, fmt.Sprintf("%s: %s", addr, m.watchList[addr]))
	}
	return fmt.Sprintf("iface{%s/%d}, v{%d}, {%s}", m.ifName, m.ifIndex, m.listVersion, strings.Join(entries, ", "))
}

func sortedAddrs(wl map[netip.Addr]netlinkmsg.NudState) []netip.Addr {
	out := make([]netip.Addr, 0, len(wl))
	for addr := range wl {
		out = append(out, addr)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

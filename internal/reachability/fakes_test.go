package reachability

import (
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
	"github.com/dmdmdm-nz/ipreachd/internal/netlinkmsg"
)

const testIfIndex = 7

type datagram struct {
	buf  []byte
	port uint32
	err  error
}

// fakeReceiver delivers queued datagrams until closed.
type fakeReceiver struct {
	in        chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		in:     make(chan datagram, 16),
		closed: make(chan struct{}),
	}
}

func (r *fakeReceiver) Receive() ([]byte, uint32, error) {
	select {
	case <-r.closed:
		return nil, 0, os.ErrClosed
	default:
	}

	select {
	case d := <-r.in:
		return d.buf, d.port, d.err
	case <-r.closed:
		return nil, 0, os.ErrClosed
	}
}

func (r *fakeReceiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type exchangeResult struct {
	reply []byte
	err   error
}

// fakeTransport hands out one fakeReceiver and records probe requests.
type fakeTransport struct {
	receiver     *fakeReceiver
	subscribeErr error
	subscribed   chan struct{}

	mu        sync.Mutex
	requests  [][]byte
	timeouts  []time.Duration
	results   map[netip.Addr]exchangeResult
	onRequest func(addr netip.Addr)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		receiver:   newFakeReceiver(),
		subscribed: make(chan struct{}),
		results:    make(map[netip.Addr]exchangeResult),
	}
}

func (f *fakeTransport) Subscribe() (Receiver, error) {
	defer close(f.subscribed)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.receiver, nil
}

func (f *fakeTransport) Exchange(req []byte, timeout time.Duration) ([]byte, uint32, error) {
	msg, _, err := netlinkmsg.Decode(req)
	if err != nil || msg.Neighbor == nil {
		return nil, 0, err
	}
	addr := msg.Neighbor.Addr

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.timeouts = append(f.timeouts, timeout)
	res, ok := f.results[addr]
	hook := f.onRequest
	f.mu.Unlock()

	if hook != nil {
		hook(addr)
	}
	if !ok {
		return ackMessage(0), 0, nil
	}
	return res.reply, 0, res.err
}

func (f *fakeTransport) probedAddrs(t *testing.T) []netip.Addr {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]netip.Addr, 0, len(f.requests))
	for _, req := range f.requests {
		msg, _, err := netlinkmsg.Decode(req)
		require.NoError(t, err)
		require.NotNil(t, msg.Neighbor)
		require.Equal(t, netlinkmsg.NudProbe, msg.Neighbor.State)
		require.Equal(t, testIfIndex, msg.Neighbor.IfIndex)
		out = append(out, msg.Neighbor.Addr)
	}
	return out
}

func (f *fakeTransport) send(buf []byte) {
	f.receiver.in <- datagram{buf: buf}
}

type fakeWakeLock struct {
	mu    sync.Mutex
	holds []time.Duration
}

func (w *fakeWakeLock) Acquire(d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holds = append(w.holds, d)
	return nil
}

func (w *fakeWakeLock) acquired() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.holds...)
}

func neighMessage(msgType uint16, ifIndex int, state netlinkmsg.NudState, addr string) []byte {
	ip := netip.MustParseAddr(addr)
	family := unix.AF_INET
	if ip.Is6() {
		family = unix.AF_INET6
	}

	req := &nl.NetlinkRequest{NlMsghdr: unix.NlMsghdr{Type: msgType}}
	req.AddData(&netlink.Ndmsg{
		Family: uint8(family),
		Index:  uint32(ifIndex),
		State:  uint16(state),
	})
	req.AddData(nl.NewRtAttr(unix.NDA_DST, ip.AsSlice()))
	return req.Serialize()
}

func ackMessage(code int32) []byte {
	payload := make([]byte, 4+unix.SizeofNlMsghdr)
	nl.NativeEndian().PutUint32(payload[0:4], uint32(code))
	req := &nl.NetlinkRequest{
		NlMsghdr: unix.NlMsghdr{Type: unix.NLMSG_ERROR},
		RawData:  payload,
	}
	return req.Serialize()
}

func route(dst, gw string) linkprops.Route {
	r := linkprops.Route{Destination: netip.MustParsePrefix(dst)}
	if gw != "" {
		r.Gateway = netip.MustParseAddr(gw)
	}
	return r
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

// singleGatewayLink is a default route via 10.0.0.1, which is also the only
// DNS server.
func singleGatewayLink() *linkprops.LinkProperties {
	return &linkprops.LinkProperties{
		InterfaceName: "wlan0",
		Routes: []linkprops.Route{
			route("0.0.0.0/0", "10.0.0.1"),
			route("10.0.0.0/24", ""),
		},
		DNSServers: addrs("10.0.0.1"),
	}
}

type lossEvent struct {
	addr       netip.Addr
	diagnostic string
}

type testMonitor struct {
	*Monitor
	transport *fakeTransport
	wakeLock  *fakeWakeLock
	losses    chan lossEvent
}

func newTestMonitor(t *testing.T, opts ...Option) *testMonitor {
	t.Helper()

	tm := &testMonitor{
		transport: newFakeTransport(),
		wakeLock:  &fakeWakeLock{},
		losses:    make(chan lossEvent, 8),
	}

	all := []Option{
		WithTransport(tm.transport),
		WithWakeLock(tm.wakeLock),
		WithIndexResolver(func(string) (int, error) { return testIfIndex, nil }),
	}
	all = append(all, opts...)

	m, err := New("wlan0", func(addr netip.Addr, diagnostic string) {
		tm.losses <- lossEvent{addr: addr, diagnostic: diagnostic}
	}, all...)
	require.NoError(t, err)
	tm.Monitor = m
	t.Cleanup(m.Stop)

	select {
	case <-tm.transport.subscribed:
	case <-time.After(time.Second):
		t.Fatal("observer did not subscribe")
	}
	return tm
}

func (tm *testMonitor) state(addr string) (netlinkmsg.NudState, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	s, ok := tm.watchList[netip.MustParseAddr(addr)]
	return s, ok
}

// waitState blocks until addr reaches want in the watch list.
func (tm *testMonitor) waitState(t *testing.T, addr string, want netlinkmsg.NudState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := tm.state(addr)
		return ok && s == want
	}, time.Second, 5*time.Millisecond, "%s never reached %s", addr, want)
}

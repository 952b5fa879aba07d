package netlinkmsg

import (
	"strings"

	"github.com/vishvananda/netlink"
)

// NudState is a neighbor unreachability detection state as reported by the
// kernel in ndmsg.ndm_state. The values are the kernel NUD_* bits.
type NudState uint16

const (
	NudNone       NudState = netlink.NUD_NONE
	NudIncomplete NudState = netlink.NUD_INCOMPLETE
	NudReachable  NudState = netlink.NUD_REACHABLE
	NudStale      NudState = netlink.NUD_STALE
	NudDelay      NudState = netlink.NUD_DELAY
	NudProbe      NudState = netlink.NUD_PROBE
	NudFailed     NudState = netlink.NUD_FAILED
	NudNoARP      NudState = netlink.NUD_NOARP
	NudPermanent  NudState = netlink.NUD_PERMANENT
)

var nudNames = []struct {
	state NudState
	name  string
}{
	{NudIncomplete, "INCOMPLETE"},
	{NudReachable, "REACHABLE"},
	{NudStale, "STALE"},
	{NudDelay, "DELAY"},
	{NudProbe, "PROBE"},
	{NudFailed, "FAILED"},
	{NudNoARP, "NOARP"},
	{NudPermanent, "PERMANENT"},
}

func (s NudState) String() string {
	if s == NudNone {
		return "NONE"
	}

	states := []string{}
	for _, n := range nudNames {
		if s&n.state != 0 {
			states = append(states, n.name)
		}
	}
	if len(states) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(states, "|")
}

// MarshalText renders the state name, so JSON views show "REACHABLE"
// instead of 2.
func (s NudState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

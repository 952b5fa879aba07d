package reachability

import (
	"net/netip"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
	"github.com/dmdmdm-nz/ipreachd/internal/netlinkmsg"
)

// recompute returns the watch list for lp: every on-link gateway and DNS
// server, keeping the state already known for addresses in prev and
// starting new ones at NONE.
func recompute(lp *linkprops.LinkProperties, prev map[netip.Addr]netlinkmsg.NudState) map[netip.Addr]netlinkmsg.NudState {
	neighbors := lp.OnLinkNeighbors()

	next := make(map[netip.Addr]netlinkmsg.NudState, len(neighbors))
	for _, addr := range neighbors {
		state, ok := prev[addr]
		if !ok {
			state = netlinkmsg.NudNone
		}
		next[addr] = state
	}
	return next
}

func clearWatchList(wl map[netip.Addr]netlinkmsg.NudState) {
	clear(wl)
}

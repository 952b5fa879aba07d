package linkwatch

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
)

var (
	defaultV4 = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	defaultV6 = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
)

// convertRoutes maps kernel routes to snapshot routes. Multipath routes
// expand to one entry per next hop.
func convertRoutes(routes []netlink.Route) []linkprops.Route {
	var out []linkprops.Route
	for _, r := range routes {
		dst, ok := destination(r)
		if !ok {
			continue
		}
		if len(r.MultiPath) == 0 {
			out = append(out, linkprops.Route{Destination: dst, Gateway: toAddr(r.Gw)})
			continue
		}
		for _, nh := range r.MultiPath {
			if nh == nil {
				continue
			}
			out = append(out, linkprops.Route{Destination: dst, Gateway: toAddr(nh.Gw)})
		}
	}
	return out
}

func destination(r netlink.Route) (netip.Prefix, bool) {
	if r.Dst == nil {
		switch r.Family {
		case netlink.FAMILY_V4:
			return defaultV4, true
		case netlink.FAMILY_V6:
			return defaultV6, true
		}
		// Family is not always filled in on dumps; fall back to the gateway.
		if gw := toAddr(r.Gw); gw.IsValid() {
			if gw.Is4() {
				return defaultV4, true
			}
			return defaultV6, true
		}
		return netip.Prefix{}, false
	}

	addr := toAddr(r.Dst.IP)
	if !addr.IsValid() {
		return netip.Prefix{}, false
	}
	ones, _ := r.Dst.Mask.Size()
	if addr.Is4() && ones > 32 {
		ones -= 96
	}
	p := netip.PrefixFrom(addr, ones)
	return p, p.IsValid()
}

// toAddr converts a net.IP, folding IPv4-mapped forms to plain IPv4. A nil
// or malformed IP yields the zero Addr.
func toAddr(ip net.IP) netip.Addr {
	if len(ip) == 0 {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// readDNSServers returns the nameservers listed in a resolv.conf file.
// A missing or unreadable file yields no servers.
func readDNSServers(path string) []netip.Addr {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to read resolver configuration")
		return nil
	}

	out := make([]netip.Addr, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			log.WithFields(log.Fields{
				"path":   path,
				"server": s,
			}).Debug("Skipping unparsable nameserver")
			continue
		}
		// Neighbor events carry no zone, so drop it from link-local servers.
		out = append(out, addr.WithZone("").Unmap())
	}
	return out
}

// Package linkprops holds the link configuration snapshot the reachability
// monitor works from, and the provisioning rules used to judge whether a
// configuration change left the link usable.
package linkprops

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// Route is one entry of the interface routing table. A zero Gateway means
// the destination is directly connected.
type Route struct {
	Destination netip.Prefix `json:"destination"`
	Gateway     netip.Addr   `json:"gateway,omitzero"`
}

func (r Route) HasGateway() bool {
	return r.Gateway.IsValid() && !r.Gateway.IsUnspecified()
}

// Matches reports whether addr falls inside the route destination.
func (r Route) Matches(addr netip.Addr) bool {
	return r.Destination.IsValid() && r.Destination.Contains(addr.Unmap())
}

func (r Route) IsDefault() bool {
	return r.Destination.IsValid() && r.Destination.Bits() == 0
}

func (r Route) String() string {
	if r.HasGateway() {
		return fmt.Sprintf("%s via %s", r.Destination, r.Gateway)
	}
	return fmt.Sprintf("%s dev", r.Destination)
}

// LinkProperties is a snapshot of the configuration of one interface.
type LinkProperties struct {
	InterfaceName string       `json:"interface"`
	Routes        []Route      `json:"routes"`
	DNSServers    []netip.Addr `json:"dnsServers"`
}

// Clone returns a deep copy. Clone of nil is nil.
func (lp *LinkProperties) Clone() *LinkProperties {
	if lp == nil {
		return nil
	}
	return &LinkProperties{
		InterfaceName: lp.InterfaceName,
		Routes:        slices.Clone(lp.Routes),
		DNSServers:    slices.Clone(lp.DNSServers),
	}
}

// IsOnLink reports whether addr is reachable through a route without a
// gateway.
func (lp *LinkProperties) IsOnLink(addr netip.Addr) bool {
	if lp == nil {
		return false
	}
	for _, r := range lp.Routes {
		if !r.HasGateway() && r.Matches(addr) {
			return true
		}
	}
	return false
}

// OnLinkNeighbors returns the gateways and DNS servers that are on-link,
// in configuration order and without duplicates.
func (lp *LinkProperties) OnLinkNeighbors() []netip.Addr {
	if lp == nil {
		return nil
	}

	var out []netip.Addr
	add := func(a netip.Addr) {
		a = a.Unmap()
		if !slices.Contains(out, a) && lp.IsOnLink(a) {
			out = append(out, a)
		}
	}

	for _, r := range lp.Routes {
		if r.HasGateway() {
			add(r.Gateway)
		}
	}
	for _, dns := range lp.DNSServers {
		add(dns)
	}
	return out
}

// WithoutNeighbor returns a copy with every route via addr and addr itself
// as a DNS server removed.
func (lp *LinkProperties) WithoutNeighbor(addr netip.Addr) *LinkProperties {
	out := lp.Clone()
	if out == nil {
		return nil
	}

	addr = addr.Unmap()
	out.Routes = slices.DeleteFunc(out.Routes, func(r Route) bool {
		return r.HasGateway() && r.Gateway.Unmap() == addr
	})
	out.DNSServers = slices.DeleteFunc(out.DNSServers, func(a netip.Addr) bool {
		return a.Unmap() == addr
	})
	return out
}

func (lp *LinkProperties) hasDefaultRoute(v4 bool) bool {
	for _, r := range lp.Routes {
		if r.IsDefault() && r.Destination.Addr().Is4() == v4 {
			return true
		}
	}
	return false
}

func (lp *LinkProperties) hasDNSServer(v4 bool) bool {
	for _, a := range lp.DNSServers {
		if a.IsValid() && a.Unmap().Is4() == v4 {
			return true
		}
	}
	return false
}

// IsIPv4Provisioned reports whether the link has an IPv4 default route and
// an IPv4 DNS server.
func (lp *LinkProperties) IsIPv4Provisioned() bool {
	return lp != nil && lp.hasDefaultRoute(true) && lp.hasDNSServer(true)
}

// IsIPv6Provisioned is IsIPv4Provisioned for IPv6.
func (lp *LinkProperties) IsIPv6Provisioned() bool {
	return lp != nil && lp.hasDefaultRoute(false) && lp.hasDNSServer(false)
}

func (lp *LinkProperties) IsProvisioned() bool {
	return lp.IsIPv4Provisioned() || lp.IsIPv6Provisioned()
}

// Equal reports whether both snapshots hold the same interface, routes and
// DNS servers, ignoring order.
func (lp *LinkProperties) Equal(other *LinkProperties) bool {
	if lp == nil || other == nil {
		return lp == other
	}
	return lp.InterfaceName == other.InterfaceName &&
		sameElements(lp.Routes, other.Routes) &&
		sameElements(lp.DNSServers, other.DNSServers)
}

func sameElements[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[T]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		if counts[v] == 0 {
			return false
		}
		counts[v]--
	}
	return true
}

func (lp *LinkProperties) String() string {
	if lp == nil {
		return "{}"
	}

	routes := make([]string, 0, len(lp.Routes))
	for _, r := range lp.Routes {
		routes = append(routes, r.String())
	}
	dns := make([]string, 0, len(lp.DNSServers))
	for _, a := range lp.DNSServers {
		dns = append(dns, a.String())
	}
	return fmt.Sprintf("{%s routes: [%s] dns: [%s]}", lp.InterfaceName, strings.Join(routes, ", "), strings.Join(dns, ", "))
}

package xnetip

import (
	"net"
	"net/netip"
)

var (
	// AllNodes is the link-local all-nodes multicast group.
	AllNodes = netip.MustParseAddr("ff02::1")
	// AllRouters is the link-local all-routers multicast group.
	AllRouters = netip.MustParseAddr("ff02::2")
	// MDNS is the link-local multicast DNS group.
	MDNS = netip.MustParseAddr("ff02::fb")
)

// Prefix64 returns the /64 network the given IPv6 address belongs to.
func Prefix64(addr netip.Addr) netip.Prefix {
	prefix, _ := addr.Prefix(64)
	return prefix
}

// IsGlobal reports whether the address is an IPv6 unicast address
// usable beyond the local link.
func IsGlobal(addr netip.Addr) bool {
	if !addr.Is6() || addr.Is4In6() {
		return false
	}
	return addr.IsGlobalUnicast() && !addr.IsLinkLocalUnicast()
}

// FromIP converts a net.IP into a netip.Addr, unmapping IPv4-in-IPv6
// forms only when the source is 4 bytes long.
func FromIP(ip net.IP) (netip.Addr, bool) {
	if v4 := ip.To4(); v4 != nil && len(ip) == net.IPv4len {
		return netip.AddrFromSlice(v4)
	}
	return netip.AddrFromSlice(ip)
}

// FromIPNet converts a net.IPNet into a netip.Prefix.
func FromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := FromIP(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones).Masked(), true
}

// ToIPNet converts a prefix into a net.IPNet preserving the host bits.
func ToIPNet(prefix netip.Prefix) *net.IPNet {
	addr := prefix.Addr()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), addr.BitLen()),
	}
}

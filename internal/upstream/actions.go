package upstream

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
)

// Actions performs the active side of upstream management: router
// solicitations and neighbour cache repairs.
type Actions struct {
	log *zap.SugaredLogger
}

// NewActions creates upstream actions.
func NewActions(log *zap.SugaredLogger) *Actions {
	return &Actions{log: log}
}

// routerSolicitation builds an ICMPv6 router solicitation without options.
func routerSolicitation() ([]byte, error) {
	msg := icmp.Message{
		Type: ipv6.ICMPTypeRouterSolicitation,
		Code: 0,
		Body: &icmp.RawBody{Data: make([]byte, 4)},
	}
	// The checksum is filled in by the kernel for ICMPv6 sockets.
	return msg.Marshal(nil)
}

// SolicitRouters sends a router solicitation to all routers on the link.
func (m *Actions) SolicitRouters(iface string) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", iface, err)
	}

	payload, err := routerSolicitation()
	if err != nil {
		return fmt.Errorf("failed to marshal router solicitation: %w", err)
	}

	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return fmt.Errorf("failed to open ICMPv6 socket: %w", err)
	}
	defer conn.Close()

	pc := conn.IPv6PacketConn()
	if err := pc.SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("failed to set multicast interface: %w", err)
	}
	if err := pc.SetMulticastHopLimit(255); err != nil {
		return fmt.Errorf("failed to set hop limit: %w", err)
	}

	dst := &net.IPAddr{
		IP:   net.IP(xnetip.AllRouters.AsSlice()),
		Zone: iface,
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("failed to send router solicitation: %w", err)
	}

	m.log.Debugw("sent router solicitation", zap.String("iface", iface))
	return nil
}

func reachableNeigh(index int, addr netip.Addr, ll net.HardwareAddr) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex:    index,
		Family:       netlink.FAMILY_V6,
		State:        netlink.NUD_REACHABLE,
		Flags:        netlink.NTF_ROUTER,
		IP:           net.IP(addr.AsSlice()),
		HardwareAddr: ll,
	}
}

// SetNeighbour inserts a reachable router entry into the neighbour cache.
func (m *Actions) SetNeighbour(iface string, addr netip.Addr, ll net.HardwareAddr) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find link %q: %w", iface, err)
	}

	neigh := reachableNeigh(link.Attrs().Index, addr, ll)
	if err := netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("failed to set neighbour %s: %w", addr, err)
	}
	return nil
}

// Package nlstack implements ipstack.Stack on top of a Linux network
// interface using netlink.
package nlstack

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/internal/ipstack"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// Option is a function that configures the stack.
type Option func(*options)

// WithLog configures the stack with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithRouteProtocol sets the protocol stamped on installed prefix routes.
func WithRouteProtocol(proto netlink.RouteProtocol) Option {
	return func(o *options) {
		o.RouteProtocol = proto
	}
}

type options struct {
	Log           *zap.SugaredLogger
	RouteProtocol netlink.RouteProtocol
}

func newOptions() *options {
	return &options{
		Log:           zap.NewNop().Sugar(),
		RouteProtocol: unix.RTPROT_STATIC,
	}
}

// Stack is the IPv6 stack of one kernel interface.
type Stack struct {
	name  string
	proto netlink.RouteProtocol
	log   *zap.SugaredLogger

	mu    sync.Mutex
	group *ipv6.PacketConn
}

var _ ipstack.Stack = (*Stack)(nil)

// New creates a stack bound to the named interface. The interface must
// exist.
func New(name string, options ...Option) (*Stack, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if _, err := netlink.LinkByName(name); err != nil {
		return nil, fmt.Errorf("failed to find link %q: %w", name, err)
	}

	return &Stack{
		name:  name,
		proto: opts.RouteProtocol,
		log:   opts.Log.With(zap.String("iface", name)),
	}, nil
}

// Close releases the multicast membership socket.
func (m *Stack) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group == nil {
		return nil
	}
	err := m.group.Close()
	m.group = nil
	return err
}

// The link index may change when the interface is recreated, so it is
// resolved on every call.
func (m *Stack) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %q: %w", m.name, err)
	}
	return link, nil
}

func hostAddr(addr netip.Addr) *netlink.Addr {
	return &netlink.Addr{
		IPNet: xnetip.ToIPNet(netip.PrefixFrom(addr, rdaddr.PrefixLen*8)),
		// Derived addresses are unique by construction.
		Flags: unix.IFA_F_NODAD,
	}
}

func (m *Stack) AddAddress(addr netip.Addr) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.AddrAdd(link, hostAddr(addr)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("address %s: %w", addr, ipstack.ErrExists)
		}
		return fmt.Errorf("failed to add address %s: %w", addr, err)
	}

	m.log.Debugw("added address", zap.Stringer("addr", addr))
	return nil
}

func (m *Stack) RemoveAddress(addr netip.Addr) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.AddrDel(link, hostAddr(addr)); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("address %s: %w", addr, ipstack.ErrNotFound)
		}
		return fmt.Errorf("failed to remove address %s: %w", addr, err)
	}

	m.log.Debugw("removed address", zap.Stringer("addr", addr))
	return nil
}

func (m *Stack) Addresses() ([]netip.Addr, error) {
	link, err := m.link()
	if err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		a, ok := xnetip.FromIP(addr.IP)
		if !ok {
			m.log.Warnf("failed to parse address %q", addr.IP)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *Stack) prefixRoute(link netlink.Link, prefix netip.Prefix) *netlink.Route {
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       xnetip.ToIPNet(prefix.Masked()),
		Scope:     netlink.SCOPE_LINK,
		Protocol:  m.proto,
		Family:    netlink.FAMILY_V6,
	}
}

func (m *Stack) AddPrefix(prefix netip.Prefix) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.RouteReplace(m.prefixRoute(link, prefix)); err != nil {
		return fmt.Errorf("failed to add prefix %s: %w", prefix, err)
	}

	m.log.Debugw("added prefix", zap.Stringer("prefix", prefix))
	return nil
}

func (m *Stack) RemovePrefix(prefix netip.Prefix) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.RouteDel(m.prefixRoute(link, prefix)); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("prefix %s: %w", prefix, ipstack.ErrNotFound)
		}
		return fmt.Errorf("failed to remove prefix %s: %w", prefix, err)
	}

	m.log.Debugw("removed prefix", zap.Stringer("prefix", prefix))
	return nil
}

// Prefixes lists the on-link prefixes installed with this stack's route
// protocol.
func (m *Stack) Prefixes() ([]netip.Prefix, error) {
	link, err := m.link()
	if err != nil {
		return nil, err
	}

	filter := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Protocol:  m.proto,
	}
	routes, err := netlink.RouteListFiltered(
		netlink.FAMILY_V6,
		filter,
		netlink.RT_FILTER_OIF|netlink.RT_FILTER_PROTOCOL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	out := make([]netip.Prefix, 0, len(routes))
	for _, route := range routes {
		prefix, ok := xnetip.FromIPNet(route.Dst)
		if !ok || prefix.Bits() == 0 {
			continue
		}
		out = append(out, prefix)
	}
	return out, nil
}

func (m *Stack) neigh(link netlink.Link, addr netip.Addr, ll rdaddr.LinkAddr) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       netlink.FAMILY_V6,
		State:        netlink.NUD_PERMANENT,
		IP:           net.IP(addr.AsSlice()),
		HardwareAddr: net.HardwareAddr(ll[:]),
	}
}

func (m *Stack) AddNeighbour(addr netip.Addr, ll rdaddr.LinkAddr) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.NeighSet(m.neigh(link, addr, ll)); err != nil {
		return fmt.Errorf("failed to add neighbour %s: %w", addr, err)
	}

	m.log.Debugw("added neighbour",
		zap.Stringer("addr", addr),
		zap.Stringer("link_addr", ll),
	)
	return nil
}

func (m *Stack) RemoveNeighbour(addr netip.Addr) error {
	link, err := m.link()
	if err != nil {
		return err
	}

	if err := netlink.NeighDel(m.neigh(link, addr, rdaddr.LinkAddr{})); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("neighbour %s: %w", addr, ipstack.ErrNotFound)
		}
		return fmt.Errorf("failed to remove neighbour %s: %w", addr, err)
	}

	m.log.Debugw("removed neighbour", zap.Stringer("addr", addr))
	return nil
}

// JoinGroup joins a multicast group through a socket held open for the
// lifetime of the stack.
func (m *Stack) JoinGroup(group netip.Addr) error {
	ifi, err := net.InterfaceByName(m.name)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", m.name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group == nil {
		conn, err := net.ListenPacket("udp6", "[::]:0")
		if err != nil {
			return fmt.Errorf("failed to open multicast socket: %w", err)
		}
		m.group = ipv6.NewPacketConn(conn)
	}

	addr := &net.UDPAddr{IP: net.IP(group.AsSlice())}
	if err := m.group.JoinGroup(ifi, addr); err != nil {
		return fmt.Errorf("failed to join group %s: %w", group, err)
	}

	m.log.Infow("joined multicast group", zap.Stringer("group", group))
	return nil
}

// Package ipstack abstracts the IPv6 stack of a cluster interface: its own
// addresses, on-link prefixes, the peer cache and multicast membership.
package ipstack

import (
	"errors"
	"net/netip"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// ErrExists is returned when adding an address that is already configured.
var ErrExists = errors.New("already exists")

// ErrNotFound is returned when removing something that is not configured.
var ErrNotFound = errors.New("not found")

// Stack is the IPv6 stack of one interface.
type Stack interface {
	// AddAddress installs a unicast address with infinite lifetime.
	AddAddress(addr netip.Addr) error
	// RemoveAddress removes a unicast address.
	RemoveAddress(addr netip.Addr) error
	// Addresses lists the unicast addresses configured on the interface.
	Addresses() ([]netip.Addr, error)
	// AddPrefix installs an on-link prefix with infinite lifetime.
	AddPrefix(prefix netip.Prefix) error
	// RemovePrefix removes an on-link prefix.
	RemovePrefix(prefix netip.Prefix) error
	// Prefixes lists the on-link prefixes of the interface.
	Prefixes() ([]netip.Prefix, error)
	// AddNeighbour inserts a reachable peer cache entry.
	AddNeighbour(addr netip.Addr, ll rdaddr.LinkAddr) error
	// RemoveNeighbour removes a peer cache entry.
	RemoveNeighbour(addr netip.Addr) error
	// JoinGroup joins a multicast group on the interface.
	JoinGroup(group netip.Addr) error
}

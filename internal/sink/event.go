package sink

import (
	"fmt"
	"net"
	"net/netip"
)

// State is the connectivity state of the upstream interface.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (m State) String() string {
	switch m {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(m))
	}
}

// EventKind names an upstream platform event.
type EventKind int

const (
	EventUpstreamUp EventKind = iota
	EventUpstreamDown
	EventRouterAdded
	EventRouterDeleted
	EventAddressAdded
	EventAddressDeleted
	EventPrefixAdded
	EventPrefixDeleted
	EventNeighbourAdded
	EventNeighbourDeleted
)

var eventKindNames = [...]string{
	EventUpstreamUp:       "upstream-up",
	EventUpstreamDown:     "upstream-down",
	EventRouterAdded:      "router-added",
	EventRouterDeleted:    "router-deleted",
	EventAddressAdded:     "address-added",
	EventAddressDeleted:   "address-deleted",
	EventPrefixAdded:      "prefix-added",
	EventPrefixDeleted:    "prefix-deleted",
	EventNeighbourAdded:   "neighbour-added",
	EventNeighbourDeleted: "neighbour-deleted",
}

func (m EventKind) String() string {
	if m >= 0 && int(m) < len(eventKindNames) {
		return eventKindNames[m]
	}
	return fmt.Sprintf("EventKind(%d)", int(m))
}

// Event is an upstream platform event.
type Event struct {
	Kind  EventKind
	Iface string
	// Addr is the router, address or neighbour the event is about.
	Addr netip.Addr
	// Prefix is set for prefix events.
	Prefix netip.Prefix
	// LinkAddr is the hardware address of a router or neighbour, if known.
	LinkAddr net.HardwareAddr
}

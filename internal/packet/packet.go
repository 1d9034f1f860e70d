// Package packet defines the frames exchanged between the IPv6 stack, the
// forwarding engine and the radio driver.
package packet

import (
	"fmt"
	"slices"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// Family is the protocol family of a packet.
type Family int

const (
	FamilyUnspec Family = iota
	// FamilyIPv6 packets carry a raw IPv6 datagram.
	FamilyIPv6
	// FamilyPacket packets are raw link-layer sends from a packet socket.
	FamilyPacket
)

func (m Family) String() string {
	switch m {
	case FamilyUnspec:
		return "unspec"
	case FamilyIPv6:
		return "ipv6"
	case FamilyPacket:
		return "packet"
	default:
		return fmt.Sprintf("Family(%d)", int(m))
	}
}

// SocketType is the type of the packet socket a frame was sent from.
type SocketType int

const (
	SocketDgram SocketType = iota
	SocketRaw
)

// Socket describes the packet socket that originated a FamilyPacket frame.
// Its addresses are already resolved to RD ID link-layer form.
type Socket struct {
	Type   SocketType
	Local  LinkAddr
	Remote LinkAddr
}

// LinkAddr is a link-layer address as carried in frames: the 4-byte
// big-endian RD ID.
type LinkAddr []byte

// LinkAddrOf returns the link-layer address of an RD ID.
func LinkAddrOf(id rdaddr.RDID) LinkAddr {
	b := id.Bytes()
	return LinkAddr(b[:])
}

// RDID decodes the identifier.
func (m LinkAddr) RDID() (rdaddr.RDID, error) {
	return rdaddr.RDIDFromBytes(m)
}

func (m LinkAddr) String() string {
	id, err := m.RDID()
	if err != nil {
		return fmt.Sprintf("%x", []byte(m))
	}
	return id.String()
}

// Packet is one frame with its link-layer metadata.
type Packet struct {
	Family Family
	Data   []byte
	LLSrc  LinkAddr
	LLDst  LinkAddr
	// Forwarding marks copies relayed on behalf of another node.
	Forwarding bool
	// Socket is set for FamilyPacket frames.
	Socket *Socket
}

// New wraps an IPv6 datagram.
func New(data []byte) *Packet {
	return &Packet{Family: FamilyIPv6, Data: data}
}

// Len returns the frame length in bytes.
func (m *Packet) Len() int {
	return len(m.Data)
}

// SetDst addresses the frame to an RD ID.
func (m *Packet) SetDst(id rdaddr.RDID) {
	m.LLDst = LinkAddrOf(id)
}

// Clone returns a deep copy of the frame.
func (m *Packet) Clone() *Packet {
	out := &Packet{
		Family:     m.Family,
		Data:       slices.Clone(m.Data),
		LLSrc:      slices.Clone(m.LLSrc),
		LLDst:      slices.Clone(m.LLDst),
		Forwarding: m.Forwarding,
	}
	if m.Socket != nil {
		socket := *m.Socket
		socket.Local = slices.Clone(m.Socket.Local)
		socket.Remote = slices.Clone(m.Socket.Remote)
		out.Socket = &socket
	}
	return out
}

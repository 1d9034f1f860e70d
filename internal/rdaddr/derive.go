package rdaddr

import (
	"encoding/binary"
	"net/netip"
)

// LinkAddr is the 8-byte link-layer address of a cluster interface: the
// anchor RD ID followed by the device's own RD ID, both big endian.
type LinkAddr [8]byte

// NewLinkAddr builds a link address anchored at the given id.
func NewLinkAddr(anchor RDID, own RDID) LinkAddr {
	var out LinkAddr
	binary.BigEndian.PutUint32(out[:4], uint32(anchor))
	binary.BigEndian.PutUint32(out[4:], uint32(own))
	return out
}

// Anchor returns the anchor id.
func (m LinkAddr) Anchor() RDID {
	return RDID(binary.BigEndian.Uint32(m[:4]))
}

// Own returns the device id.
func (m LinkAddr) Own() RDID {
	return RDID(binary.BigEndian.Uint32(m[4:]))
}

func (m LinkAddr) String() string {
	return m.Anchor().String() + ":" + m.Own().String()
}

var linkLocalPrefix = [PrefixLen]byte{0xfe, 0x80}

// IIDAddr combines a 64-bit prefix with the interface identifier carried by
// the link address.
func IIDAddr(prefix [PrefixLen]byte, ll LinkAddr) netip.Addr {
	var a [16]byte
	copy(a[:PrefixLen], prefix[:])
	copy(a[PrefixLen:], ll[:])
	return netip.AddrFrom16(a)
}

// LinkLocal returns the link-local address of an interface.
func LinkLocal(ll LinkAddr) netip.Addr {
	return IIDAddr(linkLocalPrefix, ll)
}

// PeerAddr derives the address of a peer that is reached through the
// anchor. It is injective in (anchor, peer) for a fixed prefix.
func PeerAddr(prefix [PrefixLen]byte, anchor RDID, peer RDID) netip.Addr {
	return IIDAddr(prefix, NewLinkAddr(anchor, peer))
}

// PeerLinkLocal derives the link-local address of a peer.
func PeerLinkLocal(anchor RDID, peer RDID) netip.Addr {
	return PeerAddr(linkLocalPrefix, anchor, peer)
}

// RDIDFromAddr extracts the RD ID encoded in the last 32 bits of an IPv6
// address.
func RDIDFromAddr(addr netip.Addr) RDID {
	a := addr.As16()
	return RDID(binary.BigEndian.Uint32(a[12:]))
}

// GlobalFromLinkLocal replaces the first cfg.Len bytes of a link-local
// address by the delegated prefix. It returns false when no prefix is set.
func GlobalFromLinkLocal(linkLocal netip.Addr, cfg PrefixConfig) (netip.Addr, bool) {
	if !cfg.IsSet() {
		return netip.Addr{}, false
	}
	a := linkLocal.As16()
	b := cfg.Bytes()
	copy(a[:cfg.Len], b[:cfg.Len])
	return netip.AddrFrom16(a), true
}

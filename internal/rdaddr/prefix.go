package rdaddr

import (
	"fmt"
	"net/netip"
)

// PrefixLen is the only non-zero prefix length, in bytes, a cluster uses.
const PrefixLen = 8

// PrefixConfig is the delegated global prefix. Only the first Len bytes of
// Prefix are significant; Len is either 0 (no prefix) or PrefixLen.
type PrefixConfig struct {
	Prefix netip.Addr
	Len    int
}

// PrefixConfigFrom builds a configuration from a /64 prefix.
func PrefixConfigFrom(prefix netip.Prefix) (PrefixConfig, error) {
	if !prefix.Addr().Is6() || prefix.Bits() != PrefixLen*8 {
		return PrefixConfig{}, fmt.Errorf("prefix %s is not an IPv6 /64", prefix)
	}
	return PrefixConfig{Prefix: prefix.Masked().Addr(), Len: PrefixLen}, nil
}

// PrefixConfigOf returns the /64 configuration an address belongs to.
func PrefixConfigOf(addr netip.Addr) PrefixConfig {
	prefix, _ := addr.Prefix(PrefixLen * 8)
	return PrefixConfig{Prefix: prefix.Addr(), Len: PrefixLen}
}

// IsSet reports whether a prefix is delegated.
func (m PrefixConfig) IsSet() bool {
	return m.Len > 0
}

// Validate checks the length invariant.
func (m PrefixConfig) Validate() error {
	switch m.Len {
	case 0:
		return nil
	case PrefixLen:
		if !m.Prefix.Is6() || m.Prefix.Is4In6() {
			return fmt.Errorf("prefix %s is not IPv6", m.Prefix)
		}
		return nil
	default:
		return fmt.Errorf("unsupported prefix length %d bytes", m.Len)
	}
}

// Equal compares two configurations by their length and first 64 bits.
func (m PrefixConfig) Equal(other PrefixConfig) bool {
	if m.Len != other.Len {
		return false
	}
	if m.Len == 0 {
		return true
	}
	return m.Bytes() == other.Bytes()
}

// Bytes returns the first 8 bytes of the prefix.
func (m PrefixConfig) Bytes() [PrefixLen]byte {
	var out [PrefixLen]byte
	if m.Prefix.Is6() {
		a := m.Prefix.As16()
		copy(out[:], a[:PrefixLen])
	}
	return out
}

// AsPrefix returns the configuration as a netip.Prefix.
func (m PrefixConfig) AsPrefix() (netip.Prefix, bool) {
	if !m.IsSet() {
		return netip.Prefix{}, false
	}
	var a [16]byte
	b := m.Bytes()
	copy(a[:], b[:])
	return netip.PrefixFrom(netip.AddrFrom16(a), m.Len*8), true
}

func (m PrefixConfig) String() string {
	prefix, ok := m.AsPrefix()
	if !ok {
		return "none"
	}
	return prefix.String()
}

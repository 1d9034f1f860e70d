// Package rdaddr implements radio device identifiers and the derivation of
// IPv6 addresses from them.
package rdaddr

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// RDID is a 32-bit radio device identifier.
type RDID uint32

func (m RDID) String() string {
	return strconv.FormatUint(uint64(m), 10)
}

// Bytes returns the big-endian encoding of the identifier, which is also
// its link-layer address form.
func (m RDID) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(m))
	return b
}

// RDIDFromBytes decodes a big-endian identifier.
func RDIDFromBytes(b []byte) (RDID, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("RD ID requires 4 bytes, got %d", len(b))
	}
	return RDID(binary.BigEndian.Uint32(b[:4])), nil
}

// DeviceType is a bit set of the roles a device can take in a cluster.
type DeviceType uint32

const (
	// DeviceTypeFT marks a fixed termination, the root-capable role.
	DeviceTypeFT DeviceType = 0x01
	// DeviceTypePT marks a portable termination.
	DeviceTypePT DeviceType = 0x02
)

// IsRoot reports whether the device acts as a cluster root.
func (m DeviceType) IsRoot() bool {
	return m&DeviceTypeFT != 0
}

func (m DeviceType) String() string {
	var parts []string
	if m&DeviceTypeFT != 0 {
		parts = append(parts, "FT")
	}
	if m&DeviceTypePT != 0 {
		parts = append(parts, "PT")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseDeviceType parses "ft", "pt" or "ft|pt".
func ParseDeviceType(s string) (DeviceType, error) {
	var out DeviceType
	for part := range strings.SplitSeq(s, "|") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "ft":
			out |= DeviceTypeFT
		case "pt":
			out |= DeviceTypePT
		default:
			return 0, fmt.Errorf("unknown device type %q", part)
		}
	}
	return out, nil
}

func (m DeviceType) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(m.String())), nil
}

func (m *DeviceType) UnmarshalText(text []byte) error {
	v, err := ParseDeviceType(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

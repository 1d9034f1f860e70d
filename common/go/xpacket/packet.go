package xpacket

import (
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// LayersToBytes serializes the given layers fixing lengths and checksums.
func LayersToBytes(lyrs ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	if err := gopacket.SerializeLayers(buf, opts, lyrs...); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %w", err)
	}

	return buf.Bytes(), nil
}

// IPv6UDP builds a raw IPv6/UDP datagram carrying the given payload.
func IPv6UDP(src netip.Addr, dst netip.Addr, payload []byte) ([]byte, error) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: 5353,
		DstPort: 5353,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	return LayersToBytes(ip, udp, gopacket.Payload(payload))
}

// MustIPv6UDP is IPv6UDP for tests.
func MustIPv6UDP(t *testing.T, src string, dst string, payload []byte) []byte {
	t.Helper()

	data, err := IPv6UDP(netip.MustParseAddr(src), netip.MustParseAddr(dst), payload)
	require.NoError(t, err)
	return data
}

// ParseIPv6 decodes a raw IPv6 datagram.
func ParseIPv6(data []byte) gopacket.Packet {
	return gopacket.NewPacket(
		data,
		layers.LayerTypeIPv6,
		gopacket.Default,
	)
}

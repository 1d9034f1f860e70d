package udpradio

import (
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/rdmesh/rdmesh/common/go/xpacket"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

func TestFrame_DataCarriesIPv6(t *testing.T) {
	payload := xpacket.MustIPv6UDP(t, "fe80::1:0:0:1", "fe80::1:0:0:2", []byte("hello"))

	data, err := encodeFrame(&Frame{Kind: FrameData, Flags: FlagForwarded, Src: 1, Dst: 2}, payload)
	require.NoError(t, err)
	require.Len(t, data, frameHeaderLen+len(payload))

	pkt := gopacket.NewPacket(data, LayerTypeFrame, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())

	frame, ok := pkt.Layer(LayerTypeFrame).(*Frame)
	require.True(t, ok)
	require.Equal(t, FrameData, frame.Kind)
	require.Equal(t, FlagForwarded, frame.Flags)
	require.Equal(t, rdaddr.RDID(1), frame.Src)
	require.Equal(t, rdaddr.RDID(2), frame.Dst)
	require.Equal(t, payload, frame.LayerPayload())

	ip, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	require.True(t, ok)
	require.Equal(t, "fe80::1:0:0:2", ip.DstIP.String())
}

func TestFrame_Truncated(t *testing.T) {
	var frame Frame
	err := frame.DecodeFromBytes(make([]byte, frameHeaderLen-1), gopacket.NilDecodeFeedback)
	require.Error(t, err)
}

func TestPrefixCodec(t *testing.T) {
	cases := []struct {
		name string
		cfg  rdaddr.PrefixConfig
	}{
		{name: "None", cfg: rdaddr.PrefixConfig{}},
		{name: "Set", cfg: rdaddr.PrefixConfigOf(netip.MustParseAddr("2001:db8:1:2::"))},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := decodePrefix(encodePrefix(c.cfg))
			require.NoError(t, err)
			require.True(t, c.cfg.Equal(cfg))
		})
	}
}

func TestPrefixCodec_Invalid(t *testing.T) {
	_, err := decodePrefix([]byte{8, 1, 2})
	require.Error(t, err)

	bad := make([]byte, 1+rdaddr.PrefixLen)
	bad[0] = 4
	_, err = decodePrefix(bad)
	require.Error(t, err)
}

func TestCauseCodec(t *testing.T) {
	require.Equal(t, events.CauseMobility, decodeCause(encodeCause(events.CauseMobility)))
	require.Equal(t, events.CauseOtherReason, decodeCause(nil))
}

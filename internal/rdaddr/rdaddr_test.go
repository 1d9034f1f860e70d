package rdaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceType(t *testing.T) {
	tests := []struct {
		input  string
		want   DeviceType
		root   bool
		string string
	}{
		{input: "ft", want: DeviceTypeFT, root: true, string: "FT"},
		{input: "PT", want: DeviceTypePT, root: false, string: "PT"},
		{input: "ft|pt", want: DeviceTypeFT | DeviceTypePT, root: true, string: "FT|PT"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dt, err := ParseDeviceType(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, dt)
			require.Equal(t, tt.root, dt.IsRoot())
			require.Equal(t, tt.string, dt.String())

			text, err := dt.MarshalText()
			require.NoError(t, err)
			var back DeviceType
			require.NoError(t, back.UnmarshalText(text))
			require.Equal(t, dt, back)
		})
	}

	_, err := ParseDeviceType("router")
	require.Error(t, err)
}

func TestPrefixConfigValidate(t *testing.T) {
	require.NoError(t, PrefixConfig{}.Validate())
	require.NoError(t, PrefixConfig{Prefix: netip.MustParseAddr("2001:db8::"), Len: 8}.Validate())
	require.Error(t, PrefixConfig{Prefix: netip.MustParseAddr("2001:db8::"), Len: 6}.Validate())
	require.Error(t, PrefixConfig{Prefix: netip.MustParseAddr("192.0.2.0"), Len: 8}.Validate())
}

func TestPrefixConfigEqual(t *testing.T) {
	a := PrefixConfig{Prefix: netip.MustParseAddr("2001:db8:0:1::"), Len: 8}
	sameUpper := PrefixConfig{Prefix: netip.MustParseAddr("2001:db8:0:1:ffff::1"), Len: 8}
	other := PrefixConfig{Prefix: netip.MustParseAddr("2001:db8:0:2::"), Len: 8}

	require.True(t, a.Equal(sameUpper))
	require.False(t, a.Equal(other))
	require.False(t, a.Equal(PrefixConfig{}))
	require.True(t, PrefixConfig{}.Equal(PrefixConfig{}))
}

func TestPrefixConfigFrom(t *testing.T) {
	cfg, err := PrefixConfigFrom(netip.MustParsePrefix("2001:db8:0:1::/64"))
	require.NoError(t, err)
	require.Equal(t, "2001:db8:0:1::/64", cfg.String())
	require.Equal(t, cfg, PrefixConfigOf(netip.MustParseAddr("2001:db8:0:1::42")))

	_, err = PrefixConfigFrom(netip.MustParsePrefix("2001:db8::/48"))
	require.Error(t, err)

	require.Equal(t, "none", PrefixConfig{}.String())
}

func TestLinkAddr(t *testing.T) {
	ll := NewLinkAddr(0x11223344, 0x55667788)
	require.Equal(t, RDID(0x11223344), ll.Anchor())
	require.Equal(t, RDID(0x55667788), ll.Own())
	require.Equal(t, netip.MustParseAddr("fe80::1122:3344:5566:7788"), LinkLocal(ll))
}

func TestPeerAddr(t *testing.T) {
	prefix := PrefixConfig{Prefix: netip.MustParseAddr("2001:db8:0:1::"), Len: 8}

	addr := PeerAddr(prefix.Bytes(), 0x38, 0x39)
	require.Equal(t, netip.MustParseAddr("2001:db8:0:1:0:38:0:39"), addr)
	require.Equal(t, RDID(0x39), RDIDFromAddr(addr))

	require.Equal(t, netip.MustParseAddr("fe80::38:0:39"), PeerLinkLocal(0x38, 0x39))
}

func TestPeerAddrInjective(t *testing.T) {
	prefix := linkLocalPrefix
	seen := map[netip.Addr]struct{}{}
	for anchor := RDID(1); anchor < 16; anchor++ {
		for peer := RDID(1); peer < 16; peer++ {
			addr := PeerAddr(prefix, anchor, peer)
			_, dup := seen[addr]
			require.False(t, dup, "duplicate %s", addr)
			seen[addr] = struct{}{}
		}
	}
}

func TestGlobalFromLinkLocal(t *testing.T) {
	local := LinkLocal(NewLinkAddr(7, 9))

	_, ok := GlobalFromLinkLocal(local, PrefixConfig{})
	require.False(t, ok)

	cfg := PrefixConfig{Prefix: netip.MustParseAddr("2001:db8:aa:bb::"), Len: 8}
	global, ok := GlobalFromLinkLocal(local, cfg)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("2001:db8:aa:bb:0:7:0:9"), global)
	require.Equal(t, RDID(9), RDIDFromAddr(global))
}

func TestRDIDBytes(t *testing.T) {
	b := RDID(0x01020304).Bytes()
	require.Equal(t, [4]byte{1, 2, 3, 4}, b)

	id, err := RDIDFromBytes(b[:])
	require.NoError(t, err)
	require.Equal(t, RDID(0x01020304), id)

	_, err = RDIDFromBytes([]byte{1, 2})
	require.Error(t, err)
}

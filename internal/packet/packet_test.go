package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

func TestClone(t *testing.T) {
	p := &Packet{
		Family: FamilyPacket,
		Data:   []byte{1, 2, 3},
		LLSrc:  LinkAddrOf(1),
		Socket: &Socket{Type: SocketDgram, Remote: LinkAddrOf(2)},
	}

	c := p.Clone()
	require.Equal(t, p, c)

	c.Data[0] = 9
	c.SetDst(5)
	c.Socket.Remote[3] = 7

	require.Equal(t, byte(1), p.Data[0])
	require.Nil(t, p.LLDst)
	require.Equal(t, LinkAddrOf(2), p.Socket.Remote)
}

func TestLinkAddr(t *testing.T) {
	addr := LinkAddrOf(0x01020304)
	require.Equal(t, LinkAddr{1, 2, 3, 4}, addr)

	id, err := addr.RDID()
	require.NoError(t, err)
	require.Equal(t, rdaddr.RDID(0x01020304), id)
	require.Equal(t, "16909060", addr.String())

	require.Equal(t, "0102", LinkAddr{1, 2}.String())
}

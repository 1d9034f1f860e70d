package udpradio

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

const frameHeaderLen = 10

// FrameKind is the type of an emulated MAC frame.
type FrameKind uint8

const (
	FrameData FrameKind = iota + 1
	FrameAssocRequest
	FrameAssocResponse
	FrameRelease
	FramePrefixUpdate
)

func (m FrameKind) String() string {
	switch m {
	case FrameData:
		return "data"
	case FrameAssocRequest:
		return "assoc-request"
	case FrameAssocResponse:
		return "assoc-response"
	case FrameRelease:
		return "release"
	case FramePrefixUpdate:
		return "prefix-update"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(m))
	}
}

// FlagForwarded marks data frames relayed on behalf of another node.
const FlagForwarded uint8 = 0x01

// LayerTypeFrame is the gopacket layer type of the emulated MAC header.
var LayerTypeFrame = gopacket.RegisterLayerType(2401, gopacket.LayerTypeMetadata{
	Name:    "RadioFrame",
	Decoder: gopacket.DecodeFunc(decodeFrame),
})

// Frame is the emulated MAC header:
//
//	kind (1) | flags (1) | src RD ID (4) | dst RD ID (4)
type Frame struct {
	layers.BaseLayer
	Kind  FrameKind
	Flags uint8
	Src   rdaddr.RDID
	Dst   rdaddr.RDID
}

func (m *Frame) LayerType() gopacket.LayerType {
	return LayerTypeFrame
}

func (m *Frame) CanDecode() gopacket.LayerClass {
	return LayerTypeFrame
}

func (m *Frame) NextLayerType() gopacket.LayerType {
	if m.Kind == FrameData {
		return layers.LayerTypeIPv6
	}
	return gopacket.LayerTypePayload
}

func (m *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < frameHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("frame too short: %d bytes", len(data))
	}

	m.Kind = FrameKind(data[0])
	m.Flags = data[1]
	m.Src = rdaddr.RDID(binary.BigEndian.Uint32(data[2:6]))
	m.Dst = rdaddr.RDID(binary.BigEndian.Uint32(data[6:10]))
	m.BaseLayer = layers.BaseLayer{
		Contents: data[:frameHeaderLen],
		Payload:  data[frameHeaderLen:],
	}
	return nil
}

func (m *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(frameHeaderLen)
	if err != nil {
		return err
	}

	bytes[0] = uint8(m.Kind)
	bytes[1] = m.Flags
	binary.BigEndian.PutUint32(bytes[2:6], uint32(m.Src))
	binary.BigEndian.PutUint32(bytes[6:10], uint32(m.Dst))
	return nil
}

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	frame := &Frame{}
	if err := frame.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(frame)
	return p.NextDecoder(frame.NextLayerType())
}

// encodeFrame serializes a header and its payload.
func encodeFrame(frame *Frame, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, frame, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// encodePrefix encodes the delegated prefix carried by association
// responses and prefix updates: length in bytes followed by 8 prefix bytes.
func encodePrefix(cfg rdaddr.PrefixConfig) []byte {
	prefix := cfg.Bytes()

	out := make([]byte, 1+rdaddr.PrefixLen)
	out[0] = uint8(cfg.Len)
	copy(out[1:], prefix[:])
	return out
}

func decodePrefix(data []byte) (rdaddr.PrefixConfig, error) {
	if len(data) < 1+rdaddr.PrefixLen {
		return rdaddr.PrefixConfig{}, fmt.Errorf("prefix payload too short: %d bytes", len(data))
	}
	if data[0] == 0 {
		return rdaddr.PrefixConfig{}, nil
	}

	var addr [16]byte
	copy(addr[:], data[1:1+rdaddr.PrefixLen])
	cfg := rdaddr.PrefixConfig{
		Prefix: netip.AddrFrom16(addr),
		Len:    int(data[0]),
	}
	if err := cfg.Validate(); err != nil {
		return rdaddr.PrefixConfig{}, err
	}
	return cfg, nil
}

func encodeCause(cause events.ReleaseCause) []byte {
	return []byte{uint8(cause)}
}

func decodeCause(data []byte) events.ReleaseCause {
	if len(data) == 0 {
		return events.CauseOtherReason
	}
	return events.ReleaseCause(data[0])
}

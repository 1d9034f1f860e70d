// Package forward moves frames between the IPv6 stack and the radio driver
// using the association table as the only routing information.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

var (
	// ErrNoRoute is returned when a frame has no association to go to.
	ErrNoRoute = errors.New("no route to destination")
	// ErrNotSupported is returned for frame families and socket types the
	// engine does not handle.
	ErrNotSupported = errors.New("not supported")
	// ErrNoDriver is returned when no radio driver is attached.
	ErrNoDriver = errors.New("no radio driver")
)

// Verdict is the outcome of the receive path.
type Verdict int

const (
	// VerdictContinue passes the frame up to the IPv6 stack.
	VerdictContinue Verdict = iota
	// VerdictHandled means the frame was consumed.
	VerdictHandled
)

func (m Verdict) String() string {
	switch m {
	case VerdictContinue:
		return "continue"
	case VerdictHandled:
		return "handled"
	default:
		return fmt.Sprintf("Verdict(%d)", int(m))
	}
}

// Topology answers routing questions from the association table.
type Topology interface {
	Exists(id rdaddr.RDID) bool
	ParentID() (rdaddr.RDID, bool)
	ChildIDs(except rdaddr.RDID, hasExcept bool) []rdaddr.RDID
}

// Driver transmits frames over the radio. Ownership of the frame passes
// to the driver.
type Driver interface {
	Send(ctx context.Context, p *packet.Packet) error
}

// Option is a function that configures the engine.
type Option func(*options)

// WithLog configures the engine with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Engine is the forwarding engine of one interface.
type Engine struct {
	topology   Topology
	driver     Driver
	deviceType func() rdaddr.DeviceType
	log        *zap.SugaredLogger
}

// NewEngine creates an engine. The driver may be nil until one is attached,
// in which case every transmission fails with ErrNoDriver.
func NewEngine(topology Topology, driver Driver, deviceType func() rdaddr.DeviceType, options ...Option) *Engine {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Engine{
		topology:   topology,
		driver:     driver,
		deviceType: deviceType,
		log:        opts.Log,
	}
}

type header struct {
	src netip.Addr
	dst netip.Addr
}

func decodeIPv6(data []byte) (header, bool) {
	if len(data) == 0 || data[0]&0xf0 != 0x60 {
		return header{}, false
	}

	var ip layers.IPv6
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return header{}, false
	}

	src, ok := netip.AddrFromSlice(ip.SrcIP)
	if !ok {
		return header{}, false
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP)
	if !ok {
		return header{}, false
	}
	return header{src: src, dst: dst}, true
}

func (m *Engine) transmit(ctx context.Context, p *packet.Packet, id rdaddr.RDID) error {
	if m.driver == nil {
		return ErrNoDriver
	}

	p.SetDst(id)
	if err := m.driver.Send(ctx, p); err != nil {
		return fmt.Errorf("failed to send to %s: %w", id, err)
	}
	return nil
}

// Receive decides what to do with a frame that arrived from the radio.
//
// Link-local unicast frames addressed to an associated peer are relayed
// and consumed. Link-local multicast frames are relayed to every child
// except the one they came from and still delivered locally.
func (m *Engine) Receive(ctx context.Context, p *packet.Packet) Verdict {
	hdr, ok := decodeIPv6(p.Data)
	if !ok {
		return VerdictContinue
	}

	switch {
	case hdr.dst.IsLinkLocalUnicast():
		id := rdaddr.RDIDFromAddr(hdr.dst)
		if !m.topology.Exists(id) {
			return VerdictContinue
		}

		m.log.Debugw("relaying link-local frame",
			zap.Stringer("dst", hdr.dst),
			zap.Stringer("rd_id", id),
		)
		if err := m.transmit(ctx, p, id); err != nil {
			m.log.Errorw("failed to relay frame", zap.Stringer("rd_id", id), zap.Error(err))
		}
		return VerdictHandled
	case hdr.dst.IsLinkLocalMulticast():
		src := rdaddr.RDIDFromAddr(hdr.src)
		for _, id := range m.topology.ChildIDs(src, true) {
			clone := p.Clone()
			clone.Forwarding = true
			if err := m.transmit(ctx, clone, id); err != nil {
				m.log.Errorw("failed to relay multicast frame", zap.Stringer("rd_id", id), zap.Error(err))
			}
		}
		return VerdictContinue
	default:
		return VerdictContinue
	}
}

// Send transmits a locally originated frame and returns the number of
// bytes handed to the driver.
func (m *Engine) Send(ctx context.Context, p *packet.Packet) (int, error) {
	switch p.Family {
	case packet.FamilyIPv6:
		return m.sendIPv6(ctx, p)
	case packet.FamilyPacket:
		return m.sendPacket(ctx, p)
	default:
		return 0, fmt.Errorf("family %s: %w", p.Family, ErrNotSupported)
	}
}

func (m *Engine) sendIPv6(ctx context.Context, p *packet.Packet) (int, error) {
	hdr, ok := decodeIPv6(p.Data)
	if !ok {
		return 0, fmt.Errorf("malformed IPv6 frame: %w", ErrNotSupported)
	}

	size := p.Len()
	id := rdaddr.RDIDFromAddr(hdr.dst)
	if m.topology.Exists(id) {
		if err := m.transmit(ctx, p, id); err != nil {
			return 0, err
		}
		return size, nil
	}

	if parent, ok := m.topology.ParentID(); ok {
		if err := m.transmit(ctx, p, parent); err != nil {
			return 0, err
		}
		return size, nil
	}

	if m.deviceType().IsRoot() && hdr.dst.IsLinkLocalMulticast() {
		return m.fanOut(ctx, p, size)
	}

	m.log.Debugw("no route", zap.Stringer("dst", hdr.dst))
	return 0, fmt.Errorf("%s: %w", hdr.dst, ErrNoRoute)
}

// fanOut sends a copy to every child. The frame itself is not sent.
func (m *Engine) fanOut(ctx context.Context, p *packet.Packet, size int) (int, error) {
	sent := 0
	for _, id := range m.topology.ChildIDs(0, false) {
		if err := m.transmit(ctx, p.Clone(), id); err != nil {
			m.log.Errorw("failed to send multicast copy", zap.Stringer("rd_id", id), zap.Error(err))
			continue
		}
		sent++
	}

	if sent == 0 {
		return 0, fmt.Errorf("multicast: %w", ErrNoRoute)
	}
	return size, nil
}

func (m *Engine) sendPacket(ctx context.Context, p *packet.Packet) (int, error) {
	if p.Socket == nil {
		return 0, fmt.Errorf("packet frame without socket: %w", ErrNotSupported)
	}
	if p.Socket.Type != packet.SocketDgram {
		return 0, fmt.Errorf("socket type %d: %w", p.Socket.Type, ErrNotSupported)
	}

	id, err := p.Socket.Remote.RDID()
	if err != nil {
		return 0, fmt.Errorf("invalid destination: %w", ErrNoRoute)
	}
	if !m.topology.Exists(id) {
		return 0, fmt.Errorf("%s: %w", id, ErrNoRoute)
	}

	size := p.Len()
	p.LLSrc = p.Socket.Local
	if err := m.transmit(ctx, p, id); err != nil {
		return 0, err
	}
	return size, nil
}

// Package udpradio emulates a DECT NR+ MAC over UDP so that clusters can be
// run on ordinary hosts: each device is a UDP endpoint and frames carry the
// source and destination RD IDs.
package udpradio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdmesh/rdmesh/internal/addressing"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/forward"
	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

var (
	// ErrUnknownPeer is returned when a frame is addressed to an RD ID
	// without a known endpoint.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrFrameTooLarge is returned for payloads above the configured frame
	// size.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Target receives the association notifications and frames of the radio.
type Target interface {
	ParentAssociationCreated(id rdaddr.RDID, cfg rdaddr.PrefixConfig)
	ChildAssociationCreated(id rdaddr.RDID)
	AssociationRemoved(id rdaddr.RDID, cause events.ReleaseCause, peerInitiated bool)
	ParentIPv6ConfigChanged(id rdaddr.RDID, cfg rdaddr.PrefixConfig)
	Receive(ctx context.Context, p *packet.Packet) forward.Verdict
}

// Upper takes frames the forwarding engine did not consume.
type Upper interface {
	Deliver(p *packet.Packet)
}

// Option is a function that configures the radio.
type Option func(*options)

// WithLog configures the radio with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithSinkPrefix attaches the sink prefix a root delegates to its children.
func WithSinkPrefix(sink addressing.SinkPrefix) Option {
	return func(o *options) {
		o.Sink = sink
	}
}

type options struct {
	Log  *zap.SugaredLogger
	Sink addressing.SinkPrefix
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Radio is an emulated MAC driver.
type Radio struct {
	cfg        *Config
	own        rdaddr.RDID
	deviceType rdaddr.DeviceType
	conn       *net.UDPConn
	sink       addressing.SinkPrefix
	log        *zap.SugaredLogger

	mu        sync.Mutex
	target    Target
	upper     Upper
	peers     map[rdaddr.RDID]*net.UDPAddr
	parent    rdaddr.RDID
	children  map[rdaddr.RDID]struct{}
	reported  rdaddr.PrefixConfig
	// announced is the last prefix sent to the children.
	announced rdaddr.PrefixConfig
	linkAddr  rdaddr.LinkAddr
}

// New opens the radio endpoint.
func New(cfg *Config, own rdaddr.RDID, deviceType rdaddr.DeviceType, options ...Option) (*Radio, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	peers := make(map[rdaddr.RDID]*net.UDPAddr, len(cfg.Peers))
	for id, endpoint := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer %s endpoint %q: %w", id, endpoint, err)
		}
		peers[id] = addr
	}

	listen, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen endpoint %q: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", cfg.Listen, err)
	}

	return &Radio{
		cfg:        cfg,
		own:        own,
		deviceType: deviceType,
		conn:       conn,
		sink:       opts.Sink,
		log:        opts.Log.With(zap.Stringer("rd_id", own)),
		peers:      peers,
		children:   map[rdaddr.RDID]struct{}{},
		linkAddr:   rdaddr.NewLinkAddr(own, own),
	}, nil
}

// Attach connects the radio to the interface it drives.
func (m *Radio) Attach(target Target, upper Upper) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.target = target
	m.upper = upper
}

// LocalAddr returns the UDP endpoint the radio listens on.
func (m *Radio) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// AddPeer sets the endpoint of a peer.
func (m *Radio) AddPeer(id rdaddr.RDID, addr *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers[id] = addr
}

// LinkAddr returns the current link-layer address: the parent RD ID, or
// the own one when not associated upwards, followed by the own RD ID.
func (m *Radio) LinkAddr() rdaddr.LinkAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.linkAddr
}

// ReportedPrefix returns the prefix the radio works with: the one last
// announced to the children on a root, the one delegated by the parent
// otherwise.
func (m *Radio) ReportedPrefix() (rdaddr.PrefixConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceType.IsRoot() {
		return m.announced, true
	}
	if m.parent == 0 {
		return rdaddr.PrefixConfig{}, false
	}
	return m.reported, true
}

// delegatedPrefix must be called with the lock held.
func (m *Radio) delegatedPrefix() rdaddr.PrefixConfig {
	if m.deviceType.IsRoot() {
		if m.sink == nil {
			return rdaddr.PrefixConfig{}
		}
		cfg, _ := m.sink.SinkPrefix()
		return cfg
	}
	return m.reported
}

// Send transmits a frame to the RD ID in its link-layer destination.
func (m *Radio) Send(ctx context.Context, p *packet.Packet) error {
	dst, err := p.LLDst.RDID()
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	var flags uint8
	if p.Forwarding {
		flags |= FlagForwarded
	}
	return m.send(FrameData, flags, dst, p.Data)
}

func (m *Radio) send(kind FrameKind, flags uint8, dst rdaddr.RDID, payload []byte) error {
	if len(payload) > int(m.cfg.MaxFrameSize.Bytes()) {
		return fmt.Errorf("%d bytes: %w", len(payload), ErrFrameTooLarge)
	}

	m.mu.Lock()
	addr, ok := m.peers[dst]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", dst, ErrUnknownPeer)
	}

	frame := &Frame{Kind: kind, Flags: flags, Src: m.own, Dst: dst}
	data, err := encodeFrame(frame, payload)
	if err != nil {
		return err
	}
	if _, err := m.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s frame to %s: %w", kind, dst, err)
	}
	return nil
}

// AnnouncePrefix sends a prefix update to every child.
func (m *Radio) AnnouncePrefix(cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	m.announced = cfg
	children := make([]rdaddr.RDID, 0, len(m.children))
	for id := range m.children {
		children = append(children, id)
	}
	m.mu.Unlock()

	slices.Sort(children)
	for _, id := range children {
		if err := m.send(FramePrefixUpdate, 0, id, encodePrefix(cfg)); err != nil {
			m.log.Warnw("failed to announce prefix", zap.Stringer("child", id), zap.Error(err))
		}
	}
}

// HandleSinkEvent announces sink transitions to the children of a root.
func (m *Radio) HandleSinkEvent(ev *events.Event) error {
	status, ok := ev.Payload.(events.SinkStatus)
	if !ok {
		return fmt.Errorf("unexpected sink payload %T", ev.Payload)
	}

	cfg := status.Prefix
	if !status.Connected {
		cfg = rdaddr.PrefixConfig{}
	}
	m.AnnouncePrefix(cfg)
	return nil
}

// Run receives frames and keeps the parent association alive until the
// context is canceled. On exit every peer is sent a release.
func (m *Radio) Run(ctx context.Context) error {
	m.log.Debugf("starting radio")
	defer m.log.Debugf("stopped radio")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runReceive(ctx)
	})
	if m.cfg.Parent != 0 {
		wg.Go(func() error {
			return m.runAssociate(ctx)
		})
	}
	wg.Go(func() error {
		<-ctx.Done()
		m.releaseAll()
		return m.conn.Close()
	})

	return wg.Wait()
}

func (m *Radio) releaseAll() {
	m.mu.Lock()
	peers := make([]rdaddr.RDID, 0, len(m.children)+1)
	if m.parent != 0 {
		peers = append(peers, m.parent)
	}
	for id := range m.children {
		peers = append(peers, id)
	}
	m.mu.Unlock()

	for _, id := range peers {
		if err := m.send(FrameRelease, 0, id, encodeCause(events.CauseConnectionTermination)); err != nil {
			m.log.Warnw("failed to send release", zap.Stringer("peer", id), zap.Error(err))
		}
	}
}

func (m *Radio) runAssociate(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.AssociateInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		associated := m.parent != 0
		m.mu.Unlock()

		if !associated {
			if err := m.send(FrameAssocRequest, 0, m.cfg.Parent, nil); err != nil {
				m.log.Warnw("failed to send association request", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Radio) runReceive(ctx context.Context) error {
	buf := make([]byte, frameHeaderLen+int(m.cfg.MaxFrameSize.Bytes()))

	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to receive frame: %w", err)
		}

		var frame Frame
		if err := frame.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback); err != nil {
			m.log.Debugw("dropping malformed frame", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if frame.Dst != m.own {
			m.log.Debugw("dropping frame for another device", zap.Stringer("dst", frame.Dst))
			continue
		}

		m.learn(frame.Src, from)
		m.dispatch(ctx, &frame, slices.Clone(frame.Payload))
	}
}

func (m *Radio) learn(id rdaddr.RDID, from *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[id]; !ok {
		m.peers[id] = from
	}
}

func (m *Radio) dispatch(ctx context.Context, frame *Frame, payload []byte) {
	log := m.log.With(zap.Stringer("src", frame.Src), zap.Stringer("kind", frame.Kind))

	switch frame.Kind {
	case FrameData:
		m.receiveData(ctx, frame, payload)
	case FrameAssocRequest:
		m.acceptChild(frame.Src)
	case FrameAssocResponse:
		cfg, err := decodePrefix(payload)
		if err != nil {
			log.Warnw("dropping association response", zap.Error(err))
			return
		}
		m.parentAccepted(frame.Src, cfg)
	case FrameRelease:
		m.released(frame.Src, decodeCause(payload))
	case FramePrefixUpdate:
		cfg, err := decodePrefix(payload)
		if err != nil {
			log.Warnw("dropping prefix update", zap.Error(err))
			return
		}
		m.prefixUpdated(frame.Src, cfg)
	default:
		log.Debugw("dropping unknown frame")
	}
}

func (m *Radio) receiveData(ctx context.Context, frame *Frame, payload []byte) {
	m.mu.Lock()
	_, child := m.children[frame.Src]
	associated := child || (m.parent != 0 && m.parent == frame.Src)
	target, upper := m.target, m.upper
	m.mu.Unlock()

	if !associated || target == nil {
		m.log.Debugw("dropping data from unassociated device", zap.Stringer("src", frame.Src))
		return
	}

	p := packet.New(payload)
	p.LLSrc = packet.LinkAddrOf(frame.Src)
	p.LLDst = packet.LinkAddrOf(frame.Dst)
	p.Forwarding = frame.Flags&FlagForwarded != 0

	if target.Receive(ctx, p) == forward.VerdictContinue && upper != nil {
		upper.Deliver(p)
	}
}

func (m *Radio) acceptChild(id rdaddr.RDID) {
	m.mu.Lock()
	_, known := m.children[id]
	m.children[id] = struct{}{}
	cfg := m.delegatedPrefix()
	target := m.target
	m.mu.Unlock()

	if err := m.send(FrameAssocResponse, 0, id, encodePrefix(cfg)); err != nil {
		m.log.Warnw("failed to send association response", zap.Stringer("child", id), zap.Error(err))
	}
	if known || target == nil {
		return
	}

	m.log.Infow("child associated", zap.Stringer("child", id), zap.Stringer("prefix", cfg))
	target.ChildAssociationCreated(id)
}

func (m *Radio) parentAccepted(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	if id != m.cfg.Parent || m.parent != 0 {
		m.mu.Unlock()
		return
	}
	m.parent = id
	m.reported = cfg
	m.linkAddr = rdaddr.NewLinkAddr(id, m.own)
	target := m.target
	m.mu.Unlock()

	m.log.Infow("associated with parent", zap.Stringer("parent", id), zap.Stringer("prefix", cfg))
	if target != nil {
		target.ParentAssociationCreated(id, cfg)
	}
}

func (m *Radio) released(id rdaddr.RDID, cause events.ReleaseCause) {
	m.mu.Lock()
	_, child := m.children[id]
	isParent := m.parent != 0 && m.parent == id
	switch {
	case child:
		delete(m.children, id)
	case isParent:
		m.parent = 0
		m.reported = rdaddr.PrefixConfig{}
		m.linkAddr = rdaddr.NewLinkAddr(m.own, m.own)
	}
	target := m.target
	m.mu.Unlock()

	if (!child && !isParent) || target == nil {
		return
	}

	m.log.Infow("association released by peer", zap.Stringer("peer", id), zap.Stringer("cause", cause))
	target.AssociationRemoved(id, cause, true)
}

func (m *Radio) prefixUpdated(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	if m.parent == 0 || m.parent != id || m.reported.Equal(cfg) {
		m.mu.Unlock()
		return
	}
	m.reported = cfg
	target := m.target
	m.mu.Unlock()

	m.log.Infow("parent announced prefix", zap.Stringer("prefix", cfg))
	if target != nil {
		target.ParentIPv6ConfigChanged(id, cfg)
	}
	m.AnnouncePrefix(cfg)
}

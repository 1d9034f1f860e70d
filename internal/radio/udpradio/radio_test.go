package udpradio

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rdmesh/rdmesh/common/go/xpacket"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/forward"
	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

type association struct {
	id      rdaddr.RDID
	parent  bool
	prefix  rdaddr.PrefixConfig
	cause   events.ReleaseCause
	removed bool
}

type recordingTarget struct {
	mu        sync.Mutex
	events    []association
	updates   []rdaddr.PrefixConfig
	received  []*packet.Packet
	delivered []*packet.Packet
	verdict   forward.Verdict
}

func (m *recordingTarget) ParentAssociationCreated(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, association{id: id, parent: true, prefix: cfg})
}

func (m *recordingTarget) ChildAssociationCreated(id rdaddr.RDID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, association{id: id})
}

func (m *recordingTarget) AssociationRemoved(id rdaddr.RDID, cause events.ReleaseCause, peerInitiated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, association{id: id, cause: cause, removed: peerInitiated})
}

func (m *recordingTarget) ParentIPv6ConfigChanged(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, cfg)
}

func (m *recordingTarget) Receive(ctx context.Context, p *packet.Packet) forward.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, p)
	return m.verdict
}

func (m *recordingTarget) Deliver(p *packet.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, p)
}

func (m *recordingTarget) snapshot() ([]association, []rdaddr.PrefixConfig, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]association(nil), m.events...), append([]rdaddr.PrefixConfig(nil), m.updates...), len(m.received), len(m.delivered)
}

type staticSink struct {
	cfg rdaddr.PrefixConfig
}

func (m staticSink) SinkPrefix() (rdaddr.PrefixConfig, bool) {
	return m.cfg, m.cfg.IsSet()
}

func testConfig(parent rdaddr.RDID) *Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Parent = parent
	cfg.AssociateInterval = 20 * time.Millisecond
	return cfg
}

type pair struct {
	root      *Radio
	leaf      *Radio
	rootTgt   *recordingTarget
	leafTgt   *recordingTarget
	prefix    rdaddr.PrefixConfig
	cancel    context.CancelFunc
	leafDone  chan error
	rootDone  chan error
	leafAbort context.CancelFunc
}

func newPair(t *testing.T) *pair {
	log := zaptest.NewLogger(t).Sugar()
	prefix := rdaddr.PrefixConfigOf(netip.MustParseAddr("2001:db8:0:7::"))

	root, err := New(testConfig(0), 100, rdaddr.DeviceTypeFT, WithLog(log), WithSinkPrefix(staticSink{cfg: prefix}))
	require.NoError(t, err)

	leafCfg := testConfig(100)
	leafCfg.Peers[100] = root.LocalAddr().String()
	leaf, err := New(leafCfg, 200, rdaddr.DeviceTypePT, WithLog(log))
	require.NoError(t, err)

	p := &pair{
		root:     root,
		leaf:     leaf,
		rootTgt:  &recordingTarget{verdict: forward.VerdictContinue},
		leafTgt:  &recordingTarget{verdict: forward.VerdictContinue},
		prefix:   prefix,
		leafDone: make(chan error, 1),
		rootDone: make(chan error, 1),
	}
	root.Attach(p.rootTgt, p.rootTgt)
	leaf.Attach(p.leafTgt, p.leafTgt)

	ctx, cancel := context.WithCancel(context.Background())
	leafCtx, leafCancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.leafAbort = leafCancel

	go func() { p.rootDone <- root.Run(ctx) }()
	go func() { p.leafDone <- leaf.Run(leafCtx) }()
	t.Cleanup(func() {
		cancel()
		<-p.rootDone
		<-p.leafDone
	})

	return p
}

func (m *pair) waitAssociated(t *testing.T) {
	require.Eventually(t, func() bool {
		rootEvents, _, _, _ := m.rootTgt.snapshot()
		leafEvents, _, _, _ := m.leafTgt.snapshot()
		return len(rootEvents) == 1 && len(leafEvents) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRadio_Associate(t *testing.T) {
	p := newPair(t)
	p.waitAssociated(t)

	rootEvents, _, _, _ := p.rootTgt.snapshot()
	require.Equal(t, association{id: 200}, rootEvents[0])

	leafEvents, _, _, _ := p.leafTgt.snapshot()
	require.Equal(t, rdaddr.RDID(100), leafEvents[0].id)
	require.True(t, leafEvents[0].parent)
	require.True(t, p.prefix.Equal(leafEvents[0].prefix))

	require.Equal(t, rdaddr.NewLinkAddr(100, 200), p.leaf.LinkAddr())
	require.Equal(t, rdaddr.NewLinkAddr(100, 100), p.root.LinkAddr())

	reported, ok := p.leaf.ReportedPrefix()
	require.True(t, ok)
	require.True(t, p.prefix.Equal(reported))

	// Requests stop once associated.
	time.Sleep(100 * time.Millisecond)
	rootEvents, _, _, _ = p.rootTgt.snapshot()
	require.Len(t, rootEvents, 1)
}

func TestRadio_Data(t *testing.T) {
	p := newPair(t)
	p.waitAssociated(t)

	data := xpacket.MustIPv6UDP(t, "fe80::64:0:c8", "ff02::fb", []byte("query"))
	pkt := packet.New(data)
	pkt.SetDst(100)
	pkt.Forwarding = true
	require.NoError(t, p.leaf.Send(context.Background(), pkt))

	require.Eventually(t, func() bool {
		_, _, received, delivered := p.rootTgt.snapshot()
		return received == 1 && delivered == 1
	}, 5*time.Second, 10*time.Millisecond)

	p.rootTgt.mu.Lock()
	got := p.rootTgt.received[0]
	p.rootTgt.mu.Unlock()

	require.Equal(t, data, got.Data)
	require.Equal(t, packet.LinkAddrOf(200), got.LLSrc)
	require.Equal(t, packet.LinkAddrOf(100), got.LLDst)
	require.True(t, got.Forwarding)
}

func TestRadio_HandledFramesAreNotDelivered(t *testing.T) {
	p := newPair(t)
	p.waitAssociated(t)

	p.rootTgt.mu.Lock()
	p.rootTgt.verdict = forward.VerdictHandled
	p.rootTgt.mu.Unlock()

	pkt := packet.New(xpacket.MustIPv6UDP(t, "fe80::64:0:c8", "fe80::64:0:12c", nil))
	pkt.SetDst(100)
	require.NoError(t, p.leaf.Send(context.Background(), pkt))

	require.Eventually(t, func() bool {
		_, _, received, _ := p.rootTgt.snapshot()
		return received == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, _, _, delivered := p.rootTgt.snapshot()
	require.Zero(t, delivered)
}

func TestRadio_SendErrors(t *testing.T) {
	p := newPair(t)

	pkt := packet.New(make([]byte, 64))
	pkt.SetDst(999)
	err := p.leaf.Send(context.Background(), pkt)
	require.True(t, errors.Is(err, ErrUnknownPeer))

	pkt = packet.New(make([]byte, 4096))
	pkt.SetDst(100)
	err = p.leaf.Send(context.Background(), pkt)
	require.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestRadio_PrefixAnnouncement(t *testing.T) {
	p := newPair(t)
	p.waitAssociated(t)

	next := rdaddr.PrefixConfigOf(netip.MustParseAddr("2001:db8:0:8::"))
	err := p.root.HandleSinkEvent(&events.Event{
		Topic:   events.TopicSink,
		Payload: events.SinkStatus{Connected: true, Prefix: next},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, updates, _, _ := p.leafTgt.snapshot()
		return len(updates) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, updates, _, _ := p.leafTgt.snapshot()
	require.True(t, next.Equal(updates[0]))

	announced, ok := p.root.ReportedPrefix()
	require.True(t, ok)
	require.True(t, next.Equal(announced))

	// Disconnection revokes the prefix.
	err = p.root.HandleSinkEvent(&events.Event{
		Topic:   events.TopicSink,
		Payload: events.SinkStatus{Connected: false, Prefix: next},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, updates, _, _ := p.leafTgt.snapshot()
		return len(updates) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, updates, _, _ = p.leafTgt.snapshot()
	require.False(t, updates[1].IsSet())
}

func TestRadio_ReleaseOnShutdown(t *testing.T) {
	p := newPair(t)
	p.waitAssociated(t)

	p.leafAbort()
	<-p.leafDone
	p.leafDone <- nil

	require.Eventually(t, func() bool {
		rootEvents, _, _, _ := p.rootTgt.snapshot()
		return len(rootEvents) == 2
	}, 5*time.Second, 10*time.Millisecond)

	rootEvents, _, _, _ := p.rootTgt.snapshot()
	require.Equal(t, association{
		id:      200,
		cause:   events.CauseConnectionTermination,
		removed: true,
	}, rootEvents[1])
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
		err    bool
	}{
		{name: "Default", modify: func(*Config) {}},
		{name: "NoListen", modify: func(c *Config) { c.Listen = "" }, err: true},
		{name: "SmallFrames", modify: func(c *Config) { c.MaxFrameSize = 512 }, err: true},
		{name: "ParentWithoutPeer", modify: func(c *Config) { c.Parent = 7 }, err: true},
		{
			name: "ParentWithPeer",
			modify: func(c *Config) {
				c.Parent = 7
				c.Peers[7] = "[::1]:7401"
			},
		},
		{name: "NoInterval", modify: func(c *Config) { c.AssociateInterval = 0 }, err: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.modify(cfg)
			if c.err {
				require.Error(t, cfg.Validate())
			} else {
				require.NoError(t, cfg.Validate())
			}
		})
	}
}

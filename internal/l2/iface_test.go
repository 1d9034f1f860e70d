package l2

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/common/go/xpacket"
	"github.com/rdmesh/rdmesh/internal/addressing"
	"github.com/rdmesh/rdmesh/internal/association"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/forward"
	"github.com/rdmesh/rdmesh/internal/ipstack"
	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
	"github.com/rdmesh/rdmesh/internal/sink"
)

type fakeLink struct {
	mu   sync.Mutex
	addr rdaddr.LinkAddr
}

func (m *fakeLink) LinkAddr() rdaddr.LinkAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

func (m *fakeLink) Set(anchor, own rdaddr.RDID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = rdaddr.NewLinkAddr(anchor, own)
}

type fakeSink struct {
	mu     sync.Mutex
	record sink.Record
	ok     bool
}

func (m *fakeSink) Set(cfg rdaddr.PrefixConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = sink.Record{Prefix: cfg, Iface: "eth0"}
	m.ok = cfg.IsSet()
}

func (m *fakeSink) Prefix() (sink.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, m.ok
}

func (m *fakeSink) SinkPrefix() (rdaddr.PrefixConfig, bool) {
	record, ok := m.Prefix()
	return record.Prefix, ok
}

type reporter struct {
	cfg rdaddr.PrefixConfig
}

func (m *reporter) ReportedPrefix() (rdaddr.PrefixConfig, bool) {
	return m.cfg, m.cfg.IsSet()
}

type recordingDriver struct {
	mu   sync.Mutex
	dsts []rdaddr.RDID
}

func (m *recordingDriver) Send(_ context.Context, p *packet.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := p.LLDst.RDID()
	if err != nil {
		return err
	}
	m.dsts = append(m.dsts, id)
	return nil
}

func (m *recordingDriver) Dsts() []rdaddr.RDID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rdaddr.RDID(nil), m.dsts...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.AssociationChanged
}

func (m *recordingBus) Publish(ev *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload, ok := ev.Payload.(events.AssociationChanged); ok {
		m.events = append(m.events, payload)
	}
	return nil
}

func (m *recordingBus) Events() []events.AssociationChanged {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.AssociationChanged(nil), m.events...)
}

type fixture struct {
	stack  *ipstack.Memory
	link   *fakeLink
	sink   *fakeSink
	driver *recordingDriver
	bus    *recordingBus
	iface  *Interface
}

func newFixture(t *testing.T, own rdaddr.RDID, dt rdaddr.DeviceType, options ...Option) *fixture {
	t.Helper()

	f := &fixture{
		stack:  ipstack.NewMemory(),
		link:   &fakeLink{},
		sink:   &fakeSink{},
		driver: &recordingDriver{},
		bus:    &recordingBus{},
	}
	f.link.Set(own, own)

	options = append([]Option{
		WithSink(f.sink),
		WithPublisher(f.bus),
		WithMaxChildren(4),
	}, options...)

	f.iface = New("rd0", f.stack, f.link, f.driver, addressing.Settings{
		NetworkID:  0x123456,
		RDID:       own,
		DeviceType: dt,
	}, options...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.iface.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return f
}

func (f *fixture) barrier(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.iface.Barrier(ctx))
}

func cfgOf(s string) rdaddr.PrefixConfig {
	return rdaddr.PrefixConfigOf(netip.MustParseAddr(s))
}

func TestNewIsDormant(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)

	require.True(t, f.iface.Dormant())
	require.True(t, f.stack.HasAddress(netip.MustParseAddr("fe80::38:0:38")))
}

// A PT associates with a parent delegating 2001:db8:0:1::/64.
func TestParentAssociation(t *testing.T) {
	f := newFixture(t, 0x39, rdaddr.DeviceTypePT, WithMDNS(true))

	f.link.Set(0x38, 0x39)
	f.iface.ParentAssociationCreated(0x38, cfgOf("2001:db8:0:1::"))
	f.barrier(t)

	require.False(t, f.iface.Dormant())
	require.True(t, f.stack.InGroup(xnetip.MDNS))

	st := f.iface.Status()
	require.Equal(t, "2001:db8:0:1::/64", st.Prefix)
	require.Equal(t, netip.MustParseAddr("fe80::38:0:39"), st.LocalAddr)
	require.Equal(t, netip.MustParseAddr("2001:db8:0:1:0:38:0:39"), st.GlobalAddr)
	require.NotNil(t, st.Parent)
	require.Equal(t, netip.MustParseAddr("fe80::38:0:38"), st.Parent.LocalAddr)
	require.Equal(t, netip.MustParseAddr("2001:db8:0:1:0:38:0:38"), st.Parent.GlobalAddr)

	require.True(t, f.stack.HasNeighbour(netip.MustParseAddr("fe80::38:0:38")))
	require.True(t, f.stack.HasNeighbour(netip.MustParseAddr("2001:db8:0:1:0:38:0:38")))

	require.Equal(t, []events.AssociationChanged{{
		Iface:  "rd0",
		Role:   association.RoleParent,
		Change: events.ChangeCreated,
		RDID:   0x38,
	}}, f.bus.Events())

	// Outbound traffic to an unassociated destination takes the parent.
	data := xpacket.MustIPv6UDP(t, "2001:db8:0:1:0:38:0:39", "2001:db8:ffff::1", nil)
	_, err := f.iface.Send(context.Background(), packet.New(data))
	require.NoError(t, err)
	require.Equal(t, []rdaddr.RDID{0x38}, f.driver.Dsts())
}

// An FT with a sink prefix gets its first child.
func TestFirstChildOnRoot(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	f.sink.Set(cfgOf("2001:db8:0:1::"))

	f.iface.ChildAssociationCreated(0x40)
	f.barrier(t)

	require.False(t, f.iface.Dormant())
	st := f.iface.Status()
	require.Equal(t, netip.MustParseAddr("2001:db8:0:1:0:38:0:38"), st.GlobalAddr)
	require.Len(t, st.Children, 1)
	require.Equal(t, PeerStatus{
		RDID:       0x40,
		Role:       "child",
		LocalAddr:  netip.MustParseAddr("fe80::38:0:40"),
		GlobalAddr: netip.MustParseAddr("2001:db8:0:1:0:38:0:40"),
	}, st.Children[0])
	require.Equal(t, 4, st.MaxChildren)
	require.Equal(t, &SinkStatus{Iface: "eth0", Prefix: "2001:db8:0:1::/64"}, st.Sink)
	require.False(t, st.PrefixMismatch)
}

// The only parent is released.
func TestParentReleased(t *testing.T) {
	f := newFixture(t, 0x39, rdaddr.DeviceTypePT)

	f.link.Set(0x38, 0x39)
	f.iface.ParentAssociationCreated(0x38, cfgOf("2001:db8:0:1::"))
	f.barrier(t)

	f.link.Set(0x39, 0x39)
	f.iface.AssociationRemoved(0x38, events.CauseBadRadioQuality, true)
	f.barrier(t)

	require.True(t, f.iface.Dormant())
	require.Empty(t, f.stack.Neighbours())

	st := f.iface.Status()
	require.Nil(t, st.Parent)
	require.Equal(t, "none", st.Prefix)
	require.Equal(t, netip.MustParseAddr("fe80::39:0:39"), st.LocalAddr)
	require.False(t, st.GlobalAddr.IsValid())
	require.False(t, f.stack.HasAddress(netip.MustParseAddr("2001:db8:0:1:0:38:0:39")))

	evs := f.bus.Events()
	require.Len(t, evs, 2)
	require.Equal(t, events.AssociationChanged{
		Iface:         "rd0",
		Role:          association.RoleParent,
		Change:        events.ChangeReleased,
		RDID:          0x38,
		Cause:         events.CauseBadRadioQuality,
		PeerInitiated: true,
	}, evs[1])

	// Without a parent nothing is routable.
	data := xpacket.MustIPv6UDP(t, "fe80::39:0:39", "2001:db8::1", nil)
	_, err := f.iface.Send(context.Background(), packet.New(data))
	require.ErrorIs(t, err, forward.ErrNoRoute)
}

// A relay moves its children to whatever prefix its parent delegates.
func TestRelayChildrenFollowParentPrefix(t *testing.T) {
	f := newFixture(t, 0x30, rdaddr.DeviceTypePT)

	f.link.Set(0x20, 0x30)
	f.iface.ParentAssociationCreated(0x20, cfgOf("2001:db8:0:1::"))
	f.iface.ChildAssociationCreated(0x40)
	f.barrier(t)

	p1Child := netip.MustParseAddr("2001:db8:0:1:0:30:0:40")
	require.Equal(t, p1Child, f.iface.Status().Children[0].GlobalAddr)
	require.True(t, f.stack.HasNeighbour(p1Child))

	f.iface.ParentIPv6ConfigChanged(0x20, cfgOf("2001:db8:0:2::"))
	f.barrier(t)

	p2Child := netip.MustParseAddr("2001:db8:0:2:0:30:0:40")
	st := f.iface.Status()
	require.Equal(t, "2001:db8:0:2::/64", st.Prefix)
	require.Equal(t, p2Child, st.Children[0].GlobalAddr)
	require.False(t, f.stack.HasNeighbour(p1Child))
	require.True(t, f.stack.HasNeighbour(p2Child))

	f.link.Set(0x30, 0x30)
	f.iface.AssociationRemoved(0x20, events.CauseOtherReason, true)
	f.barrier(t)

	st = f.iface.Status()
	require.Len(t, st.Children, 1)
	require.False(t, st.Children[0].GlobalAddr.IsValid())
	require.True(t, st.Children[0].LocalAddr.IsValid())
	require.False(t, f.stack.HasNeighbour(p2Child))
	require.True(t, f.stack.HasNeighbour(st.Children[0].LocalAddr))
}

// The sink prefix changes under three children.
func TestSinkPrefixChange(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	p1 := cfgOf("2001:db8:0:1::")
	p2 := cfgOf("2001:db8:0:2::")

	f.sink.Set(p1)
	f.iface.SinkChanged(p1)
	for _, id := range []rdaddr.RDID{0x40, 0x41, 0x42} {
		f.iface.ChildAssociationCreated(id)
	}
	f.barrier(t)

	for _, id := range []rdaddr.RDID{0x40, 0x41, 0x42} {
		require.True(t, f.stack.HasNeighbour(rdaddr.PeerAddr(p1.Bytes(), 0x38, id)))
	}

	f.sink.Set(p2)
	f.iface.SinkChanged(p2)
	f.barrier(t)

	for _, id := range []rdaddr.RDID{0x40, 0x41, 0x42} {
		require.False(t, f.stack.HasNeighbour(rdaddr.PeerAddr(p1.Bytes(), 0x38, id)))
		require.True(t, f.stack.HasNeighbour(rdaddr.PeerAddr(p2.Bytes(), 0x38, id)))
	}
	for _, child := range f.iface.Status().Children {
		require.Equal(t, rdaddr.PeerAddr(p2.Bytes(), 0x38, child.RDID), child.GlobalAddr)
	}
	prefixes, err := f.stack.Prefixes()
	require.NoError(t, err)
	require.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:db8:0:2::/64")}, prefixes)

	// Revocation removes every global peer entry and does not re-add.
	f.sink.Set(rdaddr.PrefixConfig{})
	f.iface.SinkChanged(rdaddr.PrefixConfig{})
	f.barrier(t)

	for _, child := range f.iface.Status().Children {
		require.False(t, child.GlobalAddr.IsValid())
	}
	require.Len(t, f.stack.Neighbours(), 3)
}

// A sink notification for the prefix already in use keeps the children
// global entries.
func TestSinkChangeSamePrefixKeepsChildren(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	p1 := cfgOf("2001:db8:0:1::")

	f.sink.Set(p1)
	f.iface.ChildAssociationCreated(0x40)
	f.iface.SinkChanged(p1)
	f.barrier(t)

	require.True(t, f.stack.HasNeighbour(rdaddr.PeerAddr(p1.Bytes(), 0x38, 0x40)))
	require.True(t, f.iface.Status().Children[0].GlobalAddr.IsValid())
}

// Link-local multicast from one child reaches the others.
func TestMulticastRelay(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	for _, id := range []rdaddr.RDID{0x40, 0x41, 0x42} {
		f.iface.ChildAssociationCreated(id)
	}
	f.barrier(t)

	data := xpacket.MustIPv6UDP(t, "fe80::38:0:40", "ff02::fb", []byte("mdns"))
	verdict := f.iface.Receive(context.Background(), packet.New(data))

	require.Equal(t, forward.VerdictContinue, verdict)
	require.ElementsMatch(t, []rdaddr.RDID{0x41, 0x42}, f.driver.Dsts())
}

func TestChildTableFull(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	for id := rdaddr.RDID(1); id <= 5; id++ {
		f.iface.ChildAssociationCreated(id)
	}
	f.barrier(t)

	require.Len(t, f.iface.Status().Children, 4)
	evs := f.bus.Events()
	require.Equal(t, events.ChangeRejected, evs[len(evs)-1].Change)
	require.Equal(t, rdaddr.RDID(5), evs[len(evs)-1].RDID)
}

func TestRootRejectsParent(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)

	f.iface.ParentAssociationCreated(0x30, cfgOf("2001:db8:0:1::"))
	f.barrier(t)

	require.True(t, f.iface.Dormant())
	require.Nil(t, f.iface.Status().Parent)
	require.Equal(t, events.ChangeRejected, f.bus.Events()[0].Change)
}

func TestParentPrefixUpdate(t *testing.T) {
	f := newFixture(t, 0x39, rdaddr.DeviceTypePT)

	f.link.Set(0x38, 0x39)
	f.iface.ParentAssociationCreated(0x38, rdaddr.PrefixConfig{})
	f.iface.ParentIPv6ConfigChanged(0x38, cfgOf("2001:db8:0:7::"))
	// Updates from anything but the parent are ignored.
	f.iface.ParentIPv6ConfigChanged(0x99, cfgOf("2001:db8:0:8::"))
	f.barrier(t)

	st := f.iface.Status()
	require.Equal(t, "2001:db8:0:7::/64", st.Prefix)
	require.Equal(t, netip.MustParseAddr("2001:db8:0:7:0:38:0:39"), st.GlobalAddr)
	require.Equal(t, netip.MustParseAddr("2001:db8:0:7:0:38:0:38"), st.Parent.GlobalAddr)
}

func TestSinkChangeIgnoredOnPortable(t *testing.T) {
	f := newFixture(t, 0x39, rdaddr.DeviceTypePT)

	f.link.Set(0x38, 0x39)
	f.iface.ParentAssociationCreated(0x38, cfgOf("2001:db8:0:1::"))
	f.iface.SinkChanged(cfgOf("2001:db8:0:2::"))
	f.barrier(t)

	require.Equal(t, "2001:db8:0:1::/64", f.iface.Status().Prefix)
}

func TestSettingsChanged(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypePT)

	f.iface.SettingsChanged(addressing.Settings{NetworkID: 1, RDID: 0x50, DeviceType: rdaddr.DeviceTypeFT})
	f.barrier(t)

	require.True(t, f.iface.DeviceType().IsRoot())
	require.Equal(t, rdaddr.RDID(0x50), f.iface.Status().RDID)
}

func TestDecommission(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	f.sink.Set(cfgOf("2001:db8:0:1::"))
	f.iface.ChildAssociationCreated(0x40)
	f.iface.ChildAssociationCreated(0x41)
	f.barrier(t)

	f.iface.Decommission()
	f.barrier(t)

	require.True(t, f.iface.Dormant())
	require.Empty(t, f.stack.Neighbours())
	addrs, err := f.stack.Addresses()
	require.NoError(t, err)
	require.Empty(t, addrs)

	parent, children := f.iface.Associations()
	require.Nil(t, parent)
	require.Empty(t, children)
}

func TestStatusPrefixMismatch(t *testing.T) {
	r := &reporter{cfg: cfgOf("2001:db8:0:9::")}
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT, WithPrefixReporter(r))
	f.sink.Set(cfgOf("2001:db8:0:1::"))

	st := f.iface.Status()
	require.True(t, st.PrefixMismatch)
	require.Equal(t, "2001:db8:0:1::/64", st.Sink.Prefix)

	r.cfg = cfgOf("2001:db8:0:1::")
	require.False(t, f.iface.Status().PrefixMismatch)
}

func TestBarrierAfterStop(t *testing.T) {
	stack := ipstack.NewMemory()
	link := &fakeLink{}
	iface := New("rd0", stack, link, nil, addressing.Settings{RDID: 1, DeviceType: rdaddr.DeviceTypeFT})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, iface.Run(ctx), context.Canceled)
	require.ErrorIs(t, iface.Barrier(context.Background()), ErrStopped)

	// Notifications after stop do not block.
	iface.ChildAssociationCreated(2)
}

// The registry stays consistent while packets are forwarded during
// association churn.
func TestConcurrentChurnAndForwarding(t *testing.T) {
	f := newFixture(t, 0x38, rdaddr.DeviceTypeFT)
	data := xpacket.MustIPv6UDP(t, "fe80::38:0:40", "ff02::1", nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.iface.Receive(context.Background(), packet.New(data))
			}
		}
	}()

	for range 50 {
		f.iface.ChildAssociationCreated(0x41)
		f.iface.ChildAssociationCreated(0x42)
		f.iface.AssociationRemoved(0x41, events.CauseMobility, false)
		f.iface.AssociationRemoved(0x42, events.CauseMobility, false)
	}
	f.barrier(t)
	close(stop)
	wg.Wait()

	require.True(t, f.iface.Dormant())
	require.Empty(t, f.stack.Neighbours())
}

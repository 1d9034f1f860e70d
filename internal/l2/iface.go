// Package l2 ties the association table, addressing and forwarding of one
// cluster interface together behind the entry points used by the radio
// driver.
package l2

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/internal/addressing"
	"github.com/rdmesh/rdmesh/internal/association"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/forward"
	"github.com/rdmesh/rdmesh/internal/ipstack"
	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
	"github.com/rdmesh/rdmesh/internal/sink"
)

// ErrStopped is returned when the event loop is no longer running.
var ErrStopped = errors.New("interface stopped")

// Sink is the read side of the sink controller.
type Sink interface {
	addressing.SinkPrefix
	Prefix() (sink.Record, bool)
}

// PrefixReporter exposes the sink prefix as known by the radio driver.
type PrefixReporter interface {
	ReportedPrefix() (rdaddr.PrefixConfig, bool)
}

// Option is a function that configures the interface.
type Option func(*options)

// WithLog configures the interface with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPublisher configures where association events are published.
func WithPublisher(bus events.Publisher) Option {
	return func(o *options) {
		o.Bus = bus
	}
}

// WithSink attaches the sink controller of a root device.
func WithSink(s Sink) Option {
	return func(o *options) {
		o.Sink = s
	}
}

// WithPrefixReporter attaches the driver's view of the sink prefix.
func WithPrefixReporter(r PrefixReporter) Option {
	return func(o *options) {
		o.Reporter = r
	}
}

// WithMaxChildren sets the child table capacity.
func WithMaxChildren(n int) Option {
	return func(o *options) {
		o.MaxChildren = n
	}
}

// WithMDNS makes the interface join the mDNS group when it becomes active.
func WithMDNS(join bool) Option {
	return func(o *options) {
		o.JoinMDNS = join
	}
}

// WithQueueSize sets the capacity of the notification queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.QueueSize = n
	}
}

type options struct {
	Log         *zap.SugaredLogger
	Bus         events.Publisher
	Sink        Sink
	Reporter    PrefixReporter
	MaxChildren int
	JoinMDNS    bool
	QueueSize   int
}

func newOptions() *options {
	return &options{
		Log:         zap.NewNop().Sugar(),
		Bus:         events.Discard,
		MaxChildren: 32,
		QueueSize:   256,
	}
}

// Interface is one cluster interface.
//
// Every notification is queued on a single channel and applied by Run in
// arrival order. Packet entry points run concurrently with it and only
// read the association table.
type Interface struct {
	name       string
	registry   *association.Registry
	addressing *addressing.Manager
	engine     *forward.Engine
	stack      ipstack.Stack
	sink       Sink
	reporter   PrefixReporter
	bus        events.Publisher
	joinMDNS   bool
	log        *zap.SugaredLogger

	inbox    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	dormant  atomic.Bool
}

// New creates an interface, installs its link-local address and marks it
// dormant.
func New(
	name string,
	stack ipstack.Stack,
	link addressing.LinkLayer,
	driver forward.Driver,
	settings addressing.Settings,
	options ...Option,
) *Interface {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log.With(zap.String("iface", name))

	addressingOptions := []addressing.Option{addressing.WithLog(log)}
	if opts.Sink != nil {
		addressingOptions = append(addressingOptions, addressing.WithSinkPrefix(opts.Sink))
	}
	manager := addressing.NewManager(stack, link, addressingOptions...)
	registry := association.New(opts.MaxChildren, manager.DeviceType)

	m := &Interface{
		name:       name,
		registry:   registry,
		addressing: manager,
		engine:     forward.NewEngine(registry, driver, manager.DeviceType, forward.WithLog(log)),
		stack:      stack,
		sink:       opts.Sink,
		reporter:   opts.Reporter,
		bus:        opts.Bus,
		joinMDNS:   opts.JoinMDNS,
		log:        log,
		inbox:      make(chan func(), opts.QueueSize),
		stopped:    make(chan struct{}),
	}

	manager.Init(settings)
	m.dormant.Store(true)

	return m
}

// Name returns the interface name.
func (m *Interface) Name() string {
	return m.name
}

// Dormant reports whether the interface has no association.
func (m *Interface) Dormant() bool {
	return m.dormant.Load()
}

// Run applies queued notifications until the context is canceled.
func (m *Interface) Run(ctx context.Context) error {
	m.log.Debugf("starting interface event loop")
	defer m.log.Debugf("stopped interface event loop")
	defer m.stopOnce.Do(func() { close(m.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.inbox:
			fn()
		}
	}
}

func (m *Interface) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.stopped:
		m.log.Warnw("dropping notification: interface stopped")
	}
}

// Barrier waits until every notification queued before it is applied.
func (m *Interface) Barrier(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case m.inbox <- func() { close(done) }:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParentAssociationCreated notifies that the device associated with a
// parent delegating the given prefix.
func (m *Interface) ParentAssociationCreated(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.post(func() { m.parentCreated(id, cfg) })
}

// ChildAssociationCreated notifies that a child associated with the device.
func (m *Interface) ChildAssociationCreated(id rdaddr.RDID) {
	m.post(func() { m.childCreated(id) })
}

// AssociationRemoved notifies that an association was released.
func (m *Interface) AssociationRemoved(id rdaddr.RDID, cause events.ReleaseCause, peerInitiated bool) {
	m.post(func() { m.removed(id, cause, peerInitiated) })
}

// SettingsChanged notifies new identity parameters.
func (m *Interface) SettingsChanged(settings addressing.Settings) {
	m.post(func() { m.addressing.SettingsChanged(settings) })
}

// ParentIPv6ConfigChanged notifies a prefix update announced by the parent.
func (m *Interface) ParentIPv6ConfigChanged(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	m.post(func() { m.parentConfigChanged(id, cfg) })
}

// SinkChanged notifies a new sink prefix.
func (m *Interface) SinkChanged(cfg rdaddr.PrefixConfig) {
	m.post(func() { m.sinkChanged(cfg) })
}

// Decommission releases every association and removes the interface
// addresses.
func (m *Interface) Decommission() {
	m.post(m.decommission)
}

// Receive runs the receive path on a frame from the radio.
func (m *Interface) Receive(ctx context.Context, p *packet.Packet) forward.Verdict {
	return m.engine.Receive(ctx, p)
}

// Send runs the send path on a locally originated frame.
func (m *Interface) Send(ctx context.Context, p *packet.Packet) (int, error) {
	return m.engine.Send(ctx, p)
}

// DeviceType returns the current device type.
func (m *Interface) DeviceType() rdaddr.DeviceType {
	return m.addressing.DeviceType()
}

// Associations returns the ids of the current parent, if any, and children.
func (m *Interface) Associations() (*rdaddr.RDID, []rdaddr.RDID) {
	parent, children := m.registry.Snapshot()

	var parentID *rdaddr.RDID
	if parent != nil {
		id := parent.RDID
		parentID = &id
	}

	ids := make([]rdaddr.RDID, 0, len(children))
	for _, child := range children {
		ids = append(ids, child.RDID)
	}
	return parentID, ids
}

func (m *Interface) parentCreated(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	entry, err := m.registry.CreateParent(id)
	if err != nil {
		m.log.Warnw("failed to store parent association", zap.Stringer("rd_id", id), zap.Error(err))
		m.publish(association.RoleParent, events.ChangeRejected, id, 0, false)
		return
	}

	entry = m.addressing.ParentAdded(entry, cfg)
	m.registry.Update(entry)

	m.publish(association.RoleParent, events.ChangeCreated, id, 0, false)
	m.activate()
}

func (m *Interface) childCreated(id rdaddr.RDID) {
	entry, first, err := m.registry.CreateChild(id)
	if err != nil {
		m.log.Warnw("failed to store child association", zap.Stringer("rd_id", id), zap.Error(err))
		m.publish(association.RoleChild, events.ChangeRejected, id, 0, false)
		return
	}

	entry = m.addressing.ChildAdded(entry, first)
	m.registry.Update(entry)

	m.publish(association.RoleChild, events.ChangeCreated, id, 0, false)
	m.activate()
}

func (m *Interface) removed(id rdaddr.RDID, cause events.ReleaseCause, peerInitiated bool) {
	removed, ok := m.registry.Remove(id)
	if !ok {
		m.log.Warnw("released association not found", zap.Stringer("rd_id", id))
		return
	}

	m.teardown(removed)
	m.publish(removed.Role, events.ChangeReleased, id, cause, peerInitiated)

	m.log.Infow("association released",
		zap.Stringer("rd_id", id),
		zap.Stringer("role", removed.Role),
		zap.Stringer("cause", cause),
		zap.Bool("peer_initiated", peerInitiated),
	)

	if removed.Last {
		m.deactivate()
	}
}

func (m *Interface) teardown(removed association.Removed) {
	switch removed.Role {
	case association.RoleParent:
		m.addressing.ParentRemoved(removed.Entry)
		m.refreshChildren()
	default:
		m.addressing.ChildRemoved(removed.Entry)
	}
}

func (m *Interface) parentConfigChanged(id rdaddr.RDID, cfg rdaddr.PrefixConfig) {
	entry, role, ok := m.registry.Lookup(id)
	if !ok || role != association.RoleParent {
		m.log.Warnw("prefix update from unknown parent", zap.Stringer("rd_id", id))
		return
	}

	before := m.addressing.Context().PrefixCfg
	entry = m.addressing.ParentChanged(entry, cfg)
	m.registry.Update(entry)
	if !m.addressing.Context().PrefixCfg.Equal(before) {
		m.refreshChildren()
	}
}

// refreshChildren moves the global peer cache entries of a relay's children
// to the prefix currently delegated by its parent.
func (m *Interface) refreshChildren() {
	for _, child := range m.registry.Children() {
		m.registry.Update(m.addressing.RefreshChildGlobal(child))
	}
}

func (m *Interface) sinkChanged(cfg rdaddr.PrefixConfig) {
	if !m.addressing.DeviceType().IsRoot() {
		m.log.Debugw("ignoring sink change on non-root device", zap.Stringer("prefix", cfg))
		return
	}

	changed := m.addressing.SinkChanged(cfg)
	for _, child := range m.registry.Children() {
		child = m.addressing.RemoveChildGlobal(child)
		if changed {
			child = m.addressing.RefreshChildGlobal(child)
		}
		m.registry.Update(child)
	}
}

func (m *Interface) decommission() {
	for _, removed := range m.registry.Clear() {
		m.teardown(removed)
		m.publish(removed.Role, events.ChangeReleased, removed.Entry.RDID, events.CauseOtherReason, false)
	}
	m.addressing.Shutdown()
	m.deactivate()

	m.log.Infow("interface decommissioned")
}

func (m *Interface) activate() {
	if !m.dormant.CompareAndSwap(true, false) {
		return
	}
	m.log.Infow("interface active")

	if !m.joinMDNS {
		return
	}
	if err := m.stack.JoinGroup(xnetip.MDNS); err != nil {
		m.log.Warnw("failed to join mDNS group", zap.Error(err))
	}
}

func (m *Interface) deactivate() {
	if m.dormant.CompareAndSwap(false, true) {
		m.log.Infow("interface dormant")
	}
}

func (m *Interface) publish(
	role association.Role,
	change events.Change,
	id rdaddr.RDID,
	cause events.ReleaseCause,
	peerInitiated bool,
) {
	ev := &events.Event{
		Topic: events.TopicAssociation,
		Key:   m.name,
		Payload: events.AssociationChanged{
			Iface:         m.name,
			Role:          role,
			Change:        change,
			RDID:          id,
			Cause:         cause,
			PeerInitiated: peerInitiated,
		},
	}
	if err := m.bus.Publish(ev); err != nil {
		m.log.Warnw("failed to publish association event", zap.Error(err))
	}
}

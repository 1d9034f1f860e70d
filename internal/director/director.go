// Package director builds a cluster node from its configuration and runs
// it.
package director

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdmesh/rdmesh/internal/addressing"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/ipstack"
	"github.com/rdmesh/rdmesh/internal/ipstack/nlstack"
	"github.com/rdmesh/rdmesh/internal/l2"
	"github.com/rdmesh/rdmesh/internal/packet"
	"github.com/rdmesh/rdmesh/internal/radio/udpradio"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
	"github.com/rdmesh/rdmesh/internal/sink"
	"github.com/rdmesh/rdmesh/internal/statusapi"
	"github.com/rdmesh/rdmesh/internal/tundev"
	"github.com/rdmesh/rdmesh/internal/upstream"
)

type options struct {
	Log      *zap.SugaredLogger
	LogLevel *zap.AtomicLevel
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// DirectorOption is a function that configures the director.
type DirectorOption func(*options)

// WithLog sets the logger for the director.
func WithLog(log *zap.SugaredLogger) DirectorOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithAtomicLogLevel sets the atomic logger level for the director.
//
// This level can be changed at runtime.
func WithAtomicLogLevel(level *zap.AtomicLevel) DirectorOption {
	return func(o *options) {
		o.LogLevel = level
	}
}

// Director owns every component of a cluster node.
type Director struct {
	cfg     *Config
	bus     *events.Bus
	stack   ipstack.Stack
	tun     *tundev.Device
	iface   *l2.Interface
	radio   *udpradio.Radio
	sink    *sink.Controller
	monitor *upstream.Monitor
	status  *statusapi.Server
	log     *zap.SugaredLogger
}

// discard drops frames addressed to the local stack when there is no
// kernel device to deliver them to.
type discard struct {
	log *zap.SugaredLogger
}

func (m discard) Deliver(p *packet.Packet) {
	m.log.Debugw("discarding local frame", zap.Int("len", p.Len()))
}

// NewDirector creates a node using specified config.
func NewDirector(cfg *Config, options ...DirectorOption) (*Director, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infof("initializing rdmesh node ...")
	log.Debugw("parsed config", zap.Any("config", cfg))

	m := &Director{
		cfg: cfg,
		bus: events.NewBus(events.WithLog(log)),
		log: log,
	}

	if err := m.initStack(); err != nil {
		m.cleanup()
		return nil, err
	}
	if err := m.initSink(); err != nil {
		m.cleanup()
		return nil, err
	}
	if err := m.initMesh(); err != nil {
		m.cleanup()
		return nil, err
	}
	if err := m.subscribe(); err != nil {
		m.cleanup()
		return nil, err
	}

	return m, nil
}

func (m *Director) initStack() error {
	switch m.cfg.Mesh.Stack {
	case StackMemory:
		m.stack = ipstack.NewMemory()
		return nil
	case StackNetlink:
		tun, err := tundev.Open(
			m.cfg.Mesh.Interface,
			tundev.WithLog(m.log),
			tundev.WithMTU(m.cfg.Mesh.MTU),
		)
		if err != nil {
			return err
		}
		m.tun = tun

		stack, err := nlstack.New(m.cfg.Mesh.Interface, nlstack.WithLog(m.log))
		if err != nil {
			return fmt.Errorf("failed to initialize netlink stack: %w", err)
		}
		m.stack = stack
		return nil
	default:
		return fmt.Errorf("unknown mesh stack %q", m.cfg.Mesh.Stack)
	}
}

func (m *Director) initSink() error {
	if !m.cfg.Sink.Enabled {
		return nil
	}

	name, err := upstream.Resolve(m.cfg.Sink.Upstream)
	if err != nil {
		return fmt.Errorf("failed to resolve upstream interface: %w", err)
	}
	m.log.Infow("resolved upstream interface", zap.String("upstream", name))

	// The interface is created after the controller, but the controller
	// only notifies it once the monitor runs.
	listener := sink.ListenerFunc(func(cfg rdaddr.PrefixConfig) {
		m.iface.SinkChanged(cfg)
	})

	m.sink = sink.NewController(
		name,
		listener,
		upstream.NewActions(m.log),
		sink.WithLog(m.log),
		sink.WithPublisher(m.bus),
		sink.WithEventKey(m.cfg.Mesh.Interface),
		sink.WithSolicitDelay(m.cfg.Sink.RSDelay),
		sink.WithSolicitMaxInterval(m.cfg.Sink.RSMaxInterval),
	)
	m.monitor = upstream.NewMonitor(
		name,
		m.sink,
		upstream.WithLog(m.log),
		upstream.WithResyncInterval(m.cfg.Sink.ResyncInterval),
	)
	return nil
}

func (m *Director) initMesh() error {
	mesh := m.cfg.Mesh

	radioOptions := []udpradio.Option{udpradio.WithLog(m.log)}
	if m.sink != nil {
		radioOptions = append(radioOptions, udpradio.WithSinkPrefix(m.sink))
	}
	radio, err := udpradio.New(m.cfg.Radio, mesh.RDID, mesh.DeviceType, radioOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize radio: %w", err)
	}
	m.radio = radio

	ifaceOptions := []l2.Option{
		l2.WithLog(m.log),
		l2.WithPublisher(m.bus),
		l2.WithPrefixReporter(radio),
		l2.WithMaxChildren(mesh.MaxChildren),
		l2.WithMDNS(mesh.JoinMDNS),
		l2.WithQueueSize(mesh.QueueSize),
	}
	if m.sink != nil {
		ifaceOptions = append(ifaceOptions, l2.WithSink(m.sink))
	}

	settings := addressing.Settings{
		NetworkID:  mesh.NetworkID,
		RDID:       mesh.RDID,
		DeviceType: mesh.DeviceType,
	}
	m.iface = l2.New(mesh.Interface, m.stack, radio, radio, settings, ifaceOptions...)

	var upper udpradio.Upper = discard{log: m.log}
	if m.tun != nil {
		upper = m.tun
	}
	radio.Attach(m.iface, upper)

	m.status = statusapi.NewServer(
		m.cfg.Status,
		m.iface,
		statusapi.WithLog(m.log),
		statusapi.WithEventStats(m.bus.Stats),
	)
	return nil
}

func (m *Director) subscribe() error {
	if err := m.bus.Subscribe(events.TopicAssociation, m.logEvent); err != nil {
		return err
	}
	if err := m.bus.Subscribe(events.TopicSink, m.logEvent); err != nil {
		return err
	}
	if err := m.bus.Subscribe(events.TopicAssociation, m.status.HandleEvent); err != nil {
		return err
	}
	if m.sink != nil {
		if err := m.bus.Subscribe(events.TopicSink, m.radio.HandleSinkEvent); err != nil {
			return err
		}
	}
	return nil
}

func (m *Director) logEvent(ev *events.Event) error {
	switch payload := ev.Payload.(type) {
	case events.AssociationChanged:
		m.log.Infow("association changed",
			zap.String("iface", payload.Iface),
			zap.Stringer("role", payload.Role),
			zap.Stringer("change", payload.Change),
			zap.Stringer("rd_id", payload.RDID),
		)
	case events.SinkStatus:
		m.log.Infow("sink status changed",
			zap.String("upstream", payload.Iface),
			zap.Bool("connected", payload.Connected),
			zap.Stringer("prefix", payload.Prefix),
		)
	}
	return nil
}

// Interface returns the cluster interface.
func (m *Director) Interface() *l2.Interface {
	return m.iface
}

// Run runs the node until the specified context is canceled.
func (m *Director) Run(ctx context.Context) error {
	defer m.cleanup()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.iface.Run(ctx)
	})
	wg.Go(func() error {
		return m.radio.Run(ctx)
	})
	if m.tun != nil {
		wg.Go(func() error {
			return m.tun.Run(ctx, m.iface)
		})
	}
	if m.monitor != nil {
		wg.Go(func() error {
			return m.monitor.Run(ctx)
		})
	}
	if m.cfg.Status.Listen != "" {
		wg.Go(func() error {
			return m.status.Run(ctx)
		})
	}

	m.log.Infow("rdmesh node is running",
		zap.String("iface", m.cfg.Mesh.Interface),
		zap.Stringer("rd_id", m.cfg.Mesh.RDID),
		zap.Stringer("device_type", m.cfg.Mesh.DeviceType),
	)

	return wg.Wait()
}

func (m *Director) cleanup() {
	if m.sink != nil {
		m.sink.Close()
	}
	if err := m.bus.Close(); err != nil {
		m.log.Debugw("failed to close event bus", zap.Error(err))
	}
	if closer, ok := m.stack.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			m.log.Warnw("failed to close stack", zap.Error(err))
		}
	}
	if m.tun != nil {
		if err := m.tun.Close(); err != nil {
			m.log.Warnw("failed to close TUN device", zap.Error(err))
		}
	}
}

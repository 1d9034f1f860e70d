// Package sink tracks the connectivity of the upstream interface of a
// cluster root and the global prefix it learns there.
package sink

import (
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// Record is the prefix learned on the upstream interface.
type Record struct {
	Prefix rdaddr.PrefixConfig
	Iface  string
}

// Listener is told about every sink prefix change. A zero configuration
// means the prefix is gone.
type Listener interface {
	SinkChanged(cfg rdaddr.PrefixConfig)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(cfg rdaddr.PrefixConfig)

func (m ListenerFunc) SinkChanged(cfg rdaddr.PrefixConfig) {
	m(cfg)
}

// Upstream performs actions on the upstream interface.
type Upstream interface {
	// SolicitRouters sends a router solicitation.
	SolicitRouters(iface string) error
	// SetNeighbour inserts a reachable neighbour entry.
	SetNeighbour(iface string, addr netip.Addr, ll net.HardwareAddr) error
}

// Option is a function that configures the controller.
type Option func(*options)

// WithLog configures the controller with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPublisher configures where connectivity events are published.
func WithPublisher(bus events.Publisher) Option {
	return func(o *options) {
		o.Bus = bus
	}
}

// WithSolicitDelay sets the delay before the first router solicitation
// retry.
func WithSolicitDelay(delay time.Duration) Option {
	return func(o *options) {
		o.SolicitDelay = delay
	}
}

// WithSolicitMaxInterval caps the interval between router solicitations.
func WithSolicitMaxInterval(interval time.Duration) Option {
	return func(o *options) {
		o.SolicitMaxInterval = interval
	}
}

// WithEventKey sets the partition key of published sink events. Sharing
// the key of the mesh interface keeps sink and association events in
// publication order. Defaults to the upstream interface name.
func WithEventKey(key string) Option {
	return func(o *options) {
		o.EventKey = key
	}
}

type options struct {
	Log                *zap.SugaredLogger
	Bus                events.Publisher
	EventKey           string
	SolicitDelay       time.Duration
	SolicitMaxInterval time.Duration
}

func newOptions() *options {
	return &options{
		Log:                zap.NewNop().Sugar(),
		Bus:                events.Discard,
		SolicitDelay:       5 * time.Second,
		SolicitMaxInterval: 5 * time.Minute,
	}
}

// Controller is the state machine of one upstream interface.
//
// Handle is the only transition function. Transitions are computed under
// the lock and their side effects run after it is released.
type Controller struct {
	iface    string
	listener Listener
	upstream Upstream
	bus      events.Publisher
	key      string
	delay    time.Duration
	log      *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	record   Record
	up       bool
	globals  []netip.Addr
	prefixes map[netip.Prefix]struct{}
	router   netip.Addr
	routerLL net.HardwareAddr
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
	// gen invalidates callbacks of stopped timers.
	gen      uint64
	closed   bool
}

// NewController creates a controller for the named upstream interface.
func NewController(iface string, listener Listener, upstream Upstream, options ...Option) *Controller {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	key := opts.EventKey
	if key == "" {
		key = iface
	}

	return &Controller{
		iface:    iface,
		listener: listener,
		upstream: upstream,
		bus:      opts.Bus,
		key:      key,
		delay:    opts.SolicitDelay,
		log:      opts.Log.With(zap.String("upstream", iface)),
		prefixes: map[netip.Prefix]struct{}{},
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     opts.SolicitDelay,
			RandomizationFactor: 0.1,
			Multiplier:          2,
			MaxInterval:         opts.SolicitMaxInterval,
		},
	}
}

// Iface returns the upstream interface name.
func (m *Controller) Iface() string {
	return m.iface
}

// State returns the current state.
func (m *Controller) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Prefix returns the sink prefix record while connected.
func (m *Controller) Prefix() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		return Record{}, false
	}
	return m.record, true
}

// SinkPrefix returns the sink prefix while connected.
func (m *Controller) SinkPrefix() (rdaddr.PrefixConfig, bool) {
	record, ok := m.Prefix()
	return record.Prefix, ok
}

// Close stops router solicitation retries.
func (m *Controller) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.stopSolicit()
}

// Handle applies an upstream event.
func (m *Controller) Handle(ev Event) {
	m.mu.Lock()
	from := m.state
	actions := m.transition(ev)
	to := m.state
	m.mu.Unlock()

	m.log.Debugw("handled upstream event",
		zap.Stringer("event", ev.Kind),
		zap.Stringer("addr", ev.Addr),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	for _, action := range actions {
		action()
	}
}

// transition must be called with the lock held.
func (m *Controller) transition(ev Event) []func() {
	switch ev.Kind {
	case EventUpstreamUp:
		m.up = true
		if m.state == StateDisconnected {
			if cfg, ok := m.candidate(); ok {
				return m.connect(cfg)
			}
			m.armSolicit()
		}
	case EventUpstreamDown:
		m.up = false
		m.stopSolicit()
		if m.state == StateConnected {
			return m.disconnect()
		}
	case EventRouterAdded:
		m.router = ev.Addr
		if ev.LinkAddr != nil {
			m.routerLL = ev.LinkAddr
		}
		if m.state == StateDisconnected {
			if cfg, ok := m.candidate(); ok {
				return m.connect(cfg)
			}
		}
	case EventRouterDeleted:
		if ev.Addr != m.router {
			return nil
		}
		m.router = netip.Addr{}
		m.routerLL = nil
		if m.state == StateConnected {
			return m.disconnect()
		}
	case EventAddressAdded:
		if !xnetip.IsGlobal(ev.Addr) || slices.Contains(m.globals, ev.Addr) {
			return nil
		}
		m.globals = append(m.globals, ev.Addr)
		if m.state == StateDisconnected {
			return m.connect(rdaddr.PrefixConfigOf(ev.Addr))
		}
	case EventAddressDeleted:
		idx := slices.Index(m.globals, ev.Addr)
		if idx < 0 {
			return nil
		}
		m.globals = slices.Delete(m.globals, idx, idx+1)
		if m.state != StateConnected || !m.record.Prefix.Equal(rdaddr.PrefixConfigOf(ev.Addr)) {
			return nil
		}
		if m.carries(m.record.Prefix) {
			return nil
		}
		if cfg, ok := m.candidate(); ok {
			return m.connect(cfg)
		}
		return m.disconnect()
	case EventPrefixAdded:
		m.prefixes[ev.Prefix.Masked()] = struct{}{}
	case EventPrefixDeleted:
		delete(m.prefixes, ev.Prefix.Masked())
	case EventNeighbourAdded:
		if ev.Addr == m.router && ev.LinkAddr != nil {
			m.routerLL = ev.LinkAddr
		}
	case EventNeighbourDeleted:
		if !m.router.IsValid() || ev.Addr != m.router || m.routerLL == nil {
			return nil
		}
		return []func(){m.reinsertRouter(m.router, slices.Clone(m.routerLL))}
	}

	return nil
}

// carries reports whether a remaining global address belongs to cfg.
func (m *Controller) carries(cfg rdaddr.PrefixConfig) bool {
	for _, addr := range m.globals {
		if cfg.Equal(rdaddr.PrefixConfigOf(addr)) {
			return true
		}
	}
	return false
}

// candidate picks the prefix to connect with: the first global address
// covered by an advertised prefix, or else the first global address.
func (m *Controller) candidate() (rdaddr.PrefixConfig, bool) {
	for _, addr := range m.globals {
		if _, ok := m.prefixes[xnetip.Prefix64(addr)]; ok {
			return rdaddr.PrefixConfigOf(addr), true
		}
	}
	if len(m.globals) > 0 {
		return rdaddr.PrefixConfigOf(m.globals[0]), true
	}
	return rdaddr.PrefixConfig{}, false
}

func (m *Controller) connect(cfg rdaddr.PrefixConfig) []func() {
	if m.state == StateConnected && m.record.Prefix.Equal(cfg) {
		return nil
	}

	m.state = StateConnected
	m.record = Record{Prefix: cfg, Iface: m.iface}
	m.stopSolicit()

	m.log.Infow("sink connected", zap.Stringer("prefix", cfg))
	return m.notify(cfg, true)
}

func (m *Controller) disconnect() []func() {
	m.state = StateDisconnected
	m.record = Record{}
	if m.up {
		m.armSolicit()
	}

	m.log.Infow("sink disconnected")
	return m.notify(rdaddr.PrefixConfig{}, false)
}

func (m *Controller) notify(cfg rdaddr.PrefixConfig, connected bool) []func() {
	return []func(){
		func() {
			m.listener.SinkChanged(cfg)
		},
		func() {
			ev := &events.Event{
				Topic: events.TopicSink,
				Key:   m.key,
				Payload: events.SinkStatus{
					Iface:     m.iface,
					Connected: connected,
					Prefix:    cfg,
				},
			}
			if err := m.bus.Publish(ev); err != nil {
				m.log.Warnw("failed to publish sink status", zap.Error(err))
			}
		},
	}
}

func (m *Controller) reinsertRouter(addr netip.Addr, ll net.HardwareAddr) func() {
	return func() {
		if err := m.upstream.SetNeighbour(m.iface, addr, ll); err != nil {
			m.log.Warnw("failed to re-insert default router",
				zap.Stringer("addr", addr),
				zap.Error(err),
			)
			return
		}
		m.log.Infow("re-inserted default router", zap.Stringer("addr", addr))
	}
}

// armSolicit must be called with the lock held.
func (m *Controller) armSolicit() {
	if m.timer != nil || m.closed {
		return
	}
	m.backoff.Reset()
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.delay, func() { m.solicit(gen) })
}

// stopSolicit must be called with the lock held.
func (m *Controller) stopSolicit() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.gen++
}

func (m *Controller) solicit(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state == StateConnected || !m.up {
		m.mu.Unlock()
		return
	}
	next := m.backoff.NextBackOff()
	m.timer = time.AfterFunc(next, func() { m.solicit(gen) })
	m.mu.Unlock()

	if err := m.upstream.SolicitRouters(m.iface); err != nil {
		m.log.Warnw("failed to send router solicitation", zap.Error(err))
		return
	}
	m.log.Debugw("sent router solicitation", zap.Duration("next", next))
}

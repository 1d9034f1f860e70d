// Package addressing derives and installs the IPv6 addresses of a cluster
// interface and keeps the peer cache in step with the association table.
package addressing

import (
	"errors"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/internal/association"
	"github.com/rdmesh/rdmesh/internal/ipstack"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// Settings are the identity parameters pushed by the radio driver.
type Settings struct {
	NetworkID  uint32
	RDID       rdaddr.RDID
	DeviceType rdaddr.DeviceType
}

// Context is the addressing state of one interface.
type Context struct {
	Settings
	// PrefixCfg is the delegated prefix. Its length is zero iff no prefix
	// is delegated.
	PrefixCfg     rdaddr.PrefixConfig
	LocalAddr     netip.Addr
	GlobalAddr    netip.Addr
	GlobalAddrSet bool
}

// LinkLayer exposes the link-layer address currently assigned to the
// interface by the radio driver.
type LinkLayer interface {
	LinkAddr() rdaddr.LinkAddr
}

// SinkPrefix provides the prefix learned by the sink, if any.
type SinkPrefix interface {
	SinkPrefix() (rdaddr.PrefixConfig, bool)
}

// Option is a function that configures the manager.
type Option func(*options)

// WithLog configures the manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithSinkPrefix configures where the root reads the sink prefix from.
func WithSinkPrefix(sink SinkPrefix) Option {
	return func(o *options) {
		o.Sink = sink
	}
}

type options struct {
	Log  *zap.SugaredLogger
	Sink SinkPrefix
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Manager owns the addressing Context of an interface.
//
// Every operation except Context and DeviceType must be called from a
// single goroutine. Stack failures are logged and never returned: the
// affected address is simply not recorded as installed.
type Manager struct {
	stack ipstack.Stack
	link  LinkLayer
	sink  SinkPrefix
	log   *zap.SugaredLogger

	mu  sync.RWMutex
	ctx Context
}

// NewManager creates a manager over the given stack.
func NewManager(stack ipstack.Stack, link LinkLayer, options ...Option) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Manager{
		stack: stack,
		link:  link,
		sink:  opts.Sink,
		log:   opts.Log,
	}
}

// Context returns a snapshot of the addressing state.
func (m *Manager) Context() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.ctx
}

// DeviceType returns the current device type.
func (m *Manager) DeviceType() rdaddr.DeviceType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.ctx.DeviceType
}

func (m *Manager) store(ctx Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = ctx
}

// Init installs the link-local address of a freshly initialized interface.
func (m *Manager) Init(settings Settings) {
	ctx := Context{Settings: settings}
	ctx.LocalAddr = m.installLinkLocal()
	m.store(ctx)

	m.log.Infow("initialized addressing",
		zap.Uint32("network_id", settings.NetworkID),
		zap.Stringer("rd_id", settings.RDID),
		zap.Stringer("device_type", settings.DeviceType),
		zap.Stringer("local_addr", ctx.LocalAddr),
	)
}

// SettingsChanged records new identity parameters. Addresses are
// re-derived on the next association.
func (m *Manager) SettingsChanged(settings Settings) {
	ctx := m.Context()
	ctx.Settings = settings
	m.store(ctx)

	m.log.Infow("settings changed",
		zap.Uint32("network_id", settings.NetworkID),
		zap.Stringer("rd_id", settings.RDID),
		zap.Stringer("device_type", settings.DeviceType),
	)
}

// Shutdown removes the addresses of the interface.
func (m *Manager) Shutdown() {
	ctx := m.Context()
	m.removeGlobal(&ctx)
	if ctx.LocalAddr.IsValid() {
		m.removeAddress(ctx.LocalAddr)
		ctx.LocalAddr = netip.Addr{}
	}
	m.store(ctx)
}

// ParentAdded adopts the prefix delegated by a new parent, re-derives the
// own addresses and inserts the parent into the peer cache.
func (m *Manager) ParentAdded(entry association.Entry, cfg rdaddr.PrefixConfig) association.Entry {
	if err := cfg.Validate(); err != nil {
		m.log.Warnw("ignoring invalid parent prefix", zap.Stringer("rd_id", entry.RDID), zap.Error(err))
		cfg = rdaddr.PrefixConfig{}
	}

	ctx := m.Context()
	ctx.PrefixCfg = cfg
	m.refreshLinkLocal(&ctx)
	m.removeGlobal(&ctx)
	if cfg.IsSet() {
		m.installGlobal(&ctx)
	}
	m.store(ctx)

	entry = m.removePeer(entry)
	entry = m.addPeer(ctx, entry, entry.RDID)

	m.log.Infow("parent added",
		zap.Stringer("rd_id", entry.RDID),
		zap.Stringer("prefix", cfg),
		zap.Stringer("local_addr", ctx.LocalAddr),
	)
	return entry
}

// ParentChanged applies a prefix update announced by the parent.
func (m *Manager) ParentChanged(entry association.Entry, cfg rdaddr.PrefixConfig) association.Entry {
	if err := cfg.Validate(); err != nil {
		m.log.Warnw("ignoring invalid parent prefix", zap.Stringer("rd_id", entry.RDID), zap.Error(err))
		return entry
	}

	ctx := m.Context()
	change := ClassifyPrefixChange(ctx.PrefixCfg, cfg)

	m.log.Infow("parent prefix changed",
		zap.Stringer("rd_id", entry.RDID),
		zap.Stringer("from", ctx.PrefixCfg),
		zap.Stringer("to", cfg),
		zap.Stringer("change", change),
	)

	switch change {
	case PrefixAdded:
		return m.ParentAdded(entry, cfg)
	case PrefixRevoked:
		m.revokeGlobal(&ctx)
		m.store(ctx)
		return m.RemoveChildGlobal(entry)
	case PrefixReplaced:
		m.revokeGlobal(&ctx)
		m.store(ctx)
		entry = m.RemoveChildGlobal(entry)
		return m.ParentAdded(entry, cfg)
	default:
		m.log.Warnw("parent prefix did not change", zap.Stringer("rd_id", entry.RDID))
		return entry
	}
}

// ChildAdded inserts a new child into the peer cache. The first
// association of the interface also refreshes the own addresses.
func (m *Manager) ChildAdded(entry association.Entry, first bool) association.Entry {
	if first {
		ctx := m.Context()
		m.refreshLinkLocal(&ctx)
		m.store(ctx)

		if ctx.DeviceType.IsRoot() {
			m.GlobalAddressingReplace()
		}
	}

	ctx := m.Context()
	entry = m.addPeer(ctx, entry, ctx.RDID)

	m.log.Infow("child added",
		zap.Stringer("rd_id", entry.RDID),
		zap.Bool("first", first),
		zap.Stringer("local_addr", entry.LocalAddr),
	)
	return entry
}

// ChildRemoved takes a child out of the peer cache.
func (m *Manager) ChildRemoved(entry association.Entry) association.Entry {
	entry = m.removePeer(entry)

	m.log.Infow("child removed", zap.Stringer("rd_id", entry.RDID))
	return entry
}

// ParentRemoved takes the parent out of the peer cache and reverts the
// interface to its standalone, prefix-less addressing.
func (m *Manager) ParentRemoved(entry association.Entry) association.Entry {
	entry = m.removePeer(entry)

	ctx := m.Context()
	m.refreshLinkLocal(&ctx)
	m.revokeGlobal(&ctx)
	m.store(ctx)

	m.log.Infow("parent removed",
		zap.Stringer("rd_id", entry.RDID),
		zap.Stringer("local_addr", ctx.LocalAddr),
	)
	return entry
}

// SinkChanged applies a new sink prefix on a root device. It reports
// whether children must carry global peer addresses under the resulting
// prefix.
func (m *Manager) SinkChanged(cfg rdaddr.PrefixConfig) bool {
	if err := cfg.Validate(); err != nil {
		m.log.Warnw("ignoring invalid sink prefix", zap.Error(err))
		return false
	}

	ctx := m.Context()
	if !ctx.DeviceType.IsRoot() {
		m.log.Debugw("ignoring sink prefix on non-root device", zap.Stringer("prefix", cfg))
		return false
	}

	change := ClassifyPrefixChange(ctx.PrefixCfg, cfg)
	m.log.Infow("sink prefix changed",
		zap.Stringer("from", ctx.PrefixCfg),
		zap.Stringer("to", cfg),
		zap.Stringer("change", change),
	)

	switch change {
	case PrefixAdded, PrefixReplaced:
		m.replaceGlobal(cfg)
		m.replacePrefix(cfg)
		return true
	case PrefixRevoked:
		if prefix, ok := ctx.PrefixCfg.AsPrefix(); ok {
			if err := m.stack.RemovePrefix(prefix); err != nil {
				m.log.Warnw("failed to remove prefix", zap.Stringer("prefix", prefix), zap.Error(err))
			}
		}
		m.revokeGlobal(&ctx)
		m.store(ctx)
		return false
	default:
		return ctx.PrefixCfg.IsSet()
	}
}

// GlobalAddressingReplace re-derives the global address from the sink
// prefix, clearing it when the sink has none.
func (m *Manager) GlobalAddressingReplace() {
	var cfg rdaddr.PrefixConfig
	if m.sink != nil {
		if sinkCfg, ok := m.sink.SinkPrefix(); ok {
			cfg = sinkCfg
		}
	}
	m.replaceGlobal(cfg)
}

// RemoveChildGlobal removes the global peer cache entry of an association.
func (m *Manager) RemoveChildGlobal(entry association.Entry) association.Entry {
	if !entry.GlobalAddrSet {
		return entry
	}

	m.removeNeighbour(entry.GlobalAddr)
	entry.GlobalAddr = netip.Addr{}
	entry.GlobalAddrSet = false
	return entry
}

// RefreshChildGlobal inserts the global peer cache entry of a child under
// the current prefix.
func (m *Manager) RefreshChildGlobal(entry association.Entry) association.Entry {
	ctx := m.Context()
	entry = m.RemoveChildGlobal(entry)
	return m.addPeerGlobal(ctx, entry, ctx.RDID)
}

func (m *Manager) replaceGlobal(cfg rdaddr.PrefixConfig) {
	if err := cfg.Validate(); err != nil {
		m.log.Warnw("ignoring invalid prefix", zap.Error(err))
		cfg = rdaddr.PrefixConfig{}
	}

	ctx := m.Context()
	ctx.PrefixCfg = cfg

	addrs, err := m.stack.Addresses()
	if err != nil {
		m.log.Warnw("failed to list addresses", zap.Error(err))
	}
	for _, addr := range addrs {
		if xnetip.IsGlobal(addr) {
			m.removeAddress(addr)
		}
	}
	ctx.GlobalAddr = netip.Addr{}
	ctx.GlobalAddrSet = false

	if cfg.IsSet() {
		m.installGlobal(&ctx)
	}
	m.store(ctx)
}

func (m *Manager) replacePrefix(cfg rdaddr.PrefixConfig) {
	prefixes, err := m.stack.Prefixes()
	if err != nil {
		m.log.Warnw("failed to list prefixes", zap.Error(err))
	}
	for _, prefix := range prefixes {
		if err := m.stack.RemovePrefix(prefix); err != nil {
			m.log.Warnw("failed to remove prefix", zap.Stringer("prefix", prefix), zap.Error(err))
		}
	}

	prefix, ok := cfg.AsPrefix()
	if !ok {
		return
	}
	if err := m.stack.AddPrefix(prefix); err != nil {
		m.log.Warnw("failed to add prefix", zap.Stringer("prefix", prefix), zap.Error(err))
	}
}

func (m *Manager) installLinkLocal() netip.Addr {
	addr := rdaddr.LinkLocal(m.link.LinkAddr())
	if err := m.stack.AddAddress(addr); err != nil && !errors.Is(err, ipstack.ErrExists) {
		m.log.Warnw("failed to add link-local address", zap.Stringer("addr", addr), zap.Error(err))
	}
	return addr
}

func (m *Manager) refreshLinkLocal(ctx *Context) {
	if ctx.LocalAddr.IsValid() {
		m.removeAddress(ctx.LocalAddr)
	}
	ctx.LocalAddr = m.installLinkLocal()
}

func (m *Manager) installGlobal(ctx *Context) {
	addr, ok := rdaddr.GlobalFromLinkLocal(ctx.LocalAddr, ctx.PrefixCfg)
	if !ok {
		m.log.Warnw("no prefix to derive global address from")
		return
	}

	err := m.stack.AddAddress(addr)
	switch {
	case err == nil:
	case errors.Is(err, ipstack.ErrExists):
		m.log.Warnw("global address already exists", zap.Stringer("addr", addr))
	default:
		m.log.Warnw("failed to add global address", zap.Stringer("addr", addr), zap.Error(err))
		return
	}

	ctx.GlobalAddr = addr
	ctx.GlobalAddrSet = true
}

func (m *Manager) removeGlobal(ctx *Context) {
	if !ctx.GlobalAddrSet {
		return
	}
	m.removeAddress(ctx.GlobalAddr)
	ctx.GlobalAddr = netip.Addr{}
	ctx.GlobalAddrSet = false
}

func (m *Manager) revokeGlobal(ctx *Context) {
	m.removeGlobal(ctx)
	ctx.PrefixCfg = rdaddr.PrefixConfig{}
}

func (m *Manager) removeAddress(addr netip.Addr) {
	if err := m.stack.RemoveAddress(addr); err != nil {
		m.log.Warnw("failed to remove address", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func (m *Manager) addPeer(ctx Context, entry association.Entry, anchor rdaddr.RDID) association.Entry {
	addr := rdaddr.PeerLinkLocal(anchor, entry.RDID)
	if m.addNeighbour(addr, anchor, entry.RDID) {
		entry.LocalAddr = addr
		entry.LocalAddrSet = true
	}
	return m.addPeerGlobal(ctx, entry, anchor)
}

func (m *Manager) addPeerGlobal(ctx Context, entry association.Entry, anchor rdaddr.RDID) association.Entry {
	if !ctx.PrefixCfg.IsSet() {
		return entry
	}

	addr := rdaddr.PeerAddr(ctx.PrefixCfg.Bytes(), anchor, entry.RDID)
	if m.addNeighbour(addr, anchor, entry.RDID) {
		entry.GlobalAddr = addr
		entry.GlobalAddrSet = true
	}
	return entry
}

func (m *Manager) removePeer(entry association.Entry) association.Entry {
	if entry.LocalAddrSet {
		m.removeNeighbour(entry.LocalAddr)
		entry.LocalAddr = netip.Addr{}
		entry.LocalAddrSet = false
	}
	return m.RemoveChildGlobal(entry)
}

func (m *Manager) addNeighbour(addr netip.Addr, anchor rdaddr.RDID, peer rdaddr.RDID) bool {
	err := m.stack.AddNeighbour(addr, rdaddr.NewLinkAddr(anchor, peer))
	if err != nil && !errors.Is(err, ipstack.ErrExists) {
		m.log.Warnw("failed to add peer",
			zap.Stringer("rd_id", peer),
			zap.Stringer("addr", addr),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (m *Manager) removeNeighbour(addr netip.Addr) {
	if err := m.stack.RemoveNeighbour(addr); err != nil {
		m.log.Warnw("failed to remove peer", zap.Stringer("addr", addr), zap.Error(err))
	}
}

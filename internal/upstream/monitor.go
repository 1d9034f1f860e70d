// Package upstream watches the upstream interface of a cluster root over
// netlink and feeds what it sees to the sink controller.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rdmesh/rdmesh/common/go/xnetip"
	"github.com/rdmesh/rdmesh/internal/sink"
)

// LinksCache is a cache of netlink links by index.
type LinksCache = Cache[int, netlink.LinkAttrs]

// Handler receives upstream events.
type Handler interface {
	Handle(ev sink.Event)
}

// Option is a function that configures the monitor.
type Option func(*options)

// WithLog configures the monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithResyncInterval configures the interval of full state re-reads that
// catch up with lost netlink notifications.
func WithResyncInterval(interval time.Duration) Option {
	return func(o *options) {
		o.ResyncInterval = interval
	}
}

type options struct {
	Log            *zap.SugaredLogger
	ResyncInterval time.Duration
}

func newOptions() *options {
	return &options{
		Log:            zap.NewNop().Sugar(),
		ResyncInterval: time.Minute,
	}
}

var neighStates = map[int]string{
	netlink.NUD_NONE:       "NONE",
	netlink.NUD_INCOMPLETE: "INCOMPLETE",
	netlink.NUD_REACHABLE:  "REACHABLE",
	netlink.NUD_STALE:      "STALE",
	netlink.NUD_DELAY:      "DELAY",
	netlink.NUD_PROBE:      "PROBE",
	netlink.NUD_FAILED:     "FAILED",
	netlink.NUD_NOARP:      "NOARP",
	netlink.NUD_PERMANENT:  "PERMANENT",
}

// NeighbourState is a neighbour cache entry state with a string form.
type NeighbourState int

func (m NeighbourState) String() string {
	if name, ok := neighStates[int(m)]; ok {
		return name
	}
	return "UNKNOWN"
}

// Resolve returns the first non-loopback link, by index, whose name
// matches the pattern.
func Resolve(pattern string) (string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid interface pattern %q: %w", pattern, err)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return "", fmt.Errorf("failed to list links: %w", err)
	}

	attrs := make([]netlink.LinkAttrs, 0, len(links))
	for _, link := range links {
		attrs = append(attrs, *link.Attrs())
	}
	return match(g, attrs)
}

func match(g glob.Glob, links []netlink.LinkAttrs) (string, error) {
	slices.SortFunc(links, func(a, b netlink.LinkAttrs) int {
		return a.Index - b.Index
	})
	for _, attrs := range links {
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if g.Match(attrs.Name) {
			return attrs.Name, nil
		}
	}
	return "", fmt.Errorf("no interface matches the upstream pattern")
}

// view is what the monitor believes the upstream interface looks like.
type view struct {
	up       bool
	addrs    map[netip.Addr]struct{}
	routers  map[netip.Addr]net.HardwareAddr
	prefixes map[netip.Prefix]struct{}
}

func newView() view {
	return view{
		addrs:    map[netip.Addr]struct{}{},
		routers:  map[netip.Addr]net.HardwareAddr{},
		prefixes: map[netip.Prefix]struct{}{},
	}
}

// Monitor translates netlink notifications about one interface into sink
// events.
type Monitor struct {
	name    string
	handler Handler
	links   *LinksCache
	resync  time.Duration
	log     *zap.SugaredLogger

	mu   sync.Mutex
	view view
}

// NewMonitor creates a monitor of the named interface.
func NewMonitor(name string, handler Handler, options ...Option) *Monitor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Monitor{
		name:    name,
		handler: handler,
		links:   NewEmptyCache[int, netlink.LinkAttrs](),
		resync:  opts.ResyncInterval,
		log:     opts.Log.With(zap.String("upstream", name)),
		view:    newView(),
	}
}

// Run runs the monitor until the specified context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Debugf("starting upstream monitor")
	defer m.log.Debugf("stopped upstream monitor")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.runLinkSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runAddrSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runRouteSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runNeighSubscription(ctx)
	})
	wg.Go(func() error {
		return m.runPeriodicResync(ctx)
	})

	return wg.Wait()
}

func (m *Monitor) emit(ev sink.Event) {
	ev.Iface = m.name
	m.handler.Handle(ev)
}

// index returns the index of the monitored link.
func (m *Monitor) index() (int, bool) {
	view := m.links.View()
	attrs, ok := view.Find(func(attrs netlink.LinkAttrs) bool {
		return attrs.Name == m.name
	})
	return attrs.Index, ok
}

func (m *Monitor) updateLinks() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}

	cache := make(map[int]netlink.LinkAttrs, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		cache[attrs.Index] = *attrs
	}
	m.links.Swap(cache)
	return nil
}

func isUp(attrs netlink.LinkAttrs) bool {
	if attrs.Flags&net.FlagUp == 0 {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

// setUp must be called with the lock held.
func (m *Monitor) setUp(up bool) {
	if m.view.up == up {
		return
	}
	m.view.up = up

	kind := sink.EventUpstreamDown
	if up {
		kind = sink.EventUpstreamUp
	}
	m.emit(sink.Event{Kind: kind})
}

// Sync re-reads the whole interface state and emits the differences.
func (m *Monitor) Sync() error {
	if err := m.updateLinks(); err != nil {
		return err
	}

	link, err := netlink.LinkByName(m.name)
	if err != nil {
		m.mu.Lock()
		m.setUp(false)
		m.mu.Unlock()
		return fmt.Errorf("failed to find link %q: %w", m.name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return fmt.Errorf("failed to list addresses: %w", err)
	}
	routes, err := netlink.RouteList(link, netlink.FAMILY_V6)
	if err != nil {
		return fmt.Errorf("failed to list routes: %w", err)
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V6)
	if err != nil {
		return fmt.Errorf("failed to list neighbours: %w", err)
	}

	next := newView()
	next.up = isUp(*link.Attrs())
	for _, addr := range addrs {
		if a, ok := xnetip.FromIP(addr.IP); ok && xnetip.IsGlobal(a) {
			next.addrs[a] = struct{}{}
		}
	}
	for _, route := range routes {
		if gw, ok := defaultRouter(route); ok {
			next.routers[gw] = nil
		} else if prefix, ok := advertisedPrefix(route); ok {
			next.prefixes[prefix] = struct{}{}
		}
	}
	for _, neigh := range neighs {
		addr, ok := xnetip.FromIP(neigh.IP)
		if !ok {
			continue
		}
		if _, ok := next.routers[addr]; ok && len(neigh.HardwareAddr) > 0 {
			next.routers[addr] = neigh.HardwareAddr
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(next)
	return nil
}

// apply must be called with the lock held.
func (m *Monitor) apply(next view) {
	prev := m.view

	if !next.up {
		m.setUp(false)
	}
	for addr := range prev.addrs {
		if _, ok := next.addrs[addr]; !ok {
			m.emit(sink.Event{Kind: sink.EventAddressDeleted, Addr: addr})
		}
	}
	for router := range prev.routers {
		if _, ok := next.routers[router]; !ok {
			m.emit(sink.Event{Kind: sink.EventRouterDeleted, Addr: router})
		}
	}
	for prefix := range prev.prefixes {
		if _, ok := next.prefixes[prefix]; !ok {
			m.emit(sink.Event{Kind: sink.EventPrefixDeleted, Prefix: prefix})
		}
	}

	for prefix := range next.prefixes {
		if _, ok := prev.prefixes[prefix]; !ok {
			m.emit(sink.Event{Kind: sink.EventPrefixAdded, Prefix: prefix})
		}
	}
	for addr := range next.addrs {
		if _, ok := prev.addrs[addr]; !ok {
			m.emit(sink.Event{Kind: sink.EventAddressAdded, Addr: addr})
		}
	}
	for router, ll := range next.routers {
		if _, ok := prev.routers[router]; !ok {
			m.emit(sink.Event{Kind: sink.EventRouterAdded, Addr: router, LinkAddr: ll})
		}
	}

	up := next.up
	next.up = m.view.up
	m.view = next
	if up {
		m.setUp(true)
	}
}

func defaultRouter(route netlink.Route) (netip.Addr, bool) {
	if route.Gw == nil {
		return netip.Addr{}, false
	}
	if route.Dst != nil {
		if ones, _ := route.Dst.Mask.Size(); ones != 0 {
			return netip.Addr{}, false
		}
	}
	gw, ok := xnetip.FromIP(route.Gw)
	if !ok || !gw.Is6() {
		return netip.Addr{}, false
	}
	return gw, true
}

func advertisedPrefix(route netlink.Route) (netip.Prefix, bool) {
	if route.Protocol != unix.RTPROT_RA || route.Gw != nil {
		return netip.Prefix{}, false
	}
	prefix, ok := xnetip.FromIPNet(route.Dst)
	if !ok || !prefix.Addr().Is6() || prefix.Bits() != 64 {
		return netip.Prefix{}, false
	}
	return prefix, true
}

func (m *Monitor) runLinkSubscription(ctx context.Context) error {
	txRx := make(chan netlink.LinkUpdate, 1)
	opts := netlink.LinkSubscribeOptions{}
	if err := netlink.LinkSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to links updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			if err := m.updateLinks(); err != nil {
				m.log.Warnw("failed to process link update", zap.Error(err))
			}
			m.processLinkUpdate(update)
		}
	}
}

func (m *Monitor) processLinkUpdate(update netlink.LinkUpdate) {
	attrs := update.Link.Attrs()
	if attrs == nil || attrs.Name != m.name {
		return
	}

	up := update.Header.Type != unix.RTM_DELLINK && isUp(*attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setUp(up)
}

func (m *Monitor) runAddrSubscription(ctx context.Context) error {
	txRx := make(chan netlink.AddrUpdate, 1)
	opts := netlink.AddrSubscribeOptions{}
	if err := netlink.AddrSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to address updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			m.processAddrUpdate(update)
		}
	}
}

func (m *Monitor) processAddrUpdate(update netlink.AddrUpdate) {
	if index, ok := m.index(); !ok || index != update.LinkIndex {
		return
	}
	addr, ok := xnetip.FromIP(update.LinkAddress.IP)
	if !ok || !xnetip.IsGlobal(addr) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, known := m.view.addrs[addr]
	switch {
	case update.NewAddr && !known:
		m.view.addrs[addr] = struct{}{}
		m.emit(sink.Event{Kind: sink.EventAddressAdded, Addr: addr})
	case !update.NewAddr && known:
		delete(m.view.addrs, addr)
		m.emit(sink.Event{Kind: sink.EventAddressDeleted, Addr: addr})
	}
}

func (m *Monitor) runRouteSubscription(ctx context.Context) error {
	txRx := make(chan netlink.RouteUpdate, 1)
	opts := netlink.RouteSubscribeOptions{}
	if err := netlink.RouteSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to route updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			m.processRouteUpdate(update)
		}
	}
}

func (m *Monitor) processRouteUpdate(update netlink.RouteUpdate) {
	if index, ok := m.index(); !ok || index != update.LinkIndex {
		return
	}
	added := update.Type == unix.RTM_NEWROUTE

	m.mu.Lock()
	defer m.mu.Unlock()

	if gw, ok := defaultRouter(update.Route); ok {
		_, known := m.view.routers[gw]
		switch {
		case added && !known:
			m.view.routers[gw] = nil
			m.emit(sink.Event{Kind: sink.EventRouterAdded, Addr: gw})
		case !added && known:
			delete(m.view.routers, gw)
			m.emit(sink.Event{Kind: sink.EventRouterDeleted, Addr: gw})
		}
		return
	}

	if prefix, ok := advertisedPrefix(update.Route); ok {
		_, known := m.view.prefixes[prefix]
		switch {
		case added && !known:
			m.view.prefixes[prefix] = struct{}{}
			m.emit(sink.Event{Kind: sink.EventPrefixAdded, Prefix: prefix})
		case !added && known:
			delete(m.view.prefixes, prefix)
			m.emit(sink.Event{Kind: sink.EventPrefixDeleted, Prefix: prefix})
		}
	}
}

func (m *Monitor) runNeighSubscription(ctx context.Context) error {
	txRx := make(chan netlink.NeighUpdate, 1)
	opts := netlink.NeighSubscribeOptions{}
	if err := netlink.NeighSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to neighbor updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			m.processNeighUpdate(update)
		}
	}
}

func (m *Monitor) processNeighUpdate(update netlink.NeighUpdate) {
	if index, ok := m.index(); !ok || index != update.LinkIndex {
		return
	}
	addr, ok := xnetip.FromIP(update.IP)
	if !ok || !addr.Is6() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ll, isRouter := m.view.routers[addr]
	if !isRouter {
		return
	}

	m.log.Debugw("processing router neighbour update",
		zap.Stringer("addr", addr),
		zap.Stringer("state", NeighbourState(update.State)),
		zap.Stringer("hardware_addr", update.HardwareAddr),
	)

	switch update.Type {
	case unix.RTM_NEWNEIGH:
		if len(update.HardwareAddr) == 0 || slices.Equal(ll, update.HardwareAddr) {
			return
		}
		m.view.routers[addr] = update.HardwareAddr
		m.emit(sink.Event{Kind: sink.EventNeighbourAdded, Addr: addr, LinkAddr: update.HardwareAddr})
	case unix.RTM_DELNEIGH:
		m.emit(sink.Event{Kind: sink.EventNeighbourDeleted, Addr: addr})
	default:
		m.log.Warnf("received unexpected neighbour update type: %d", update.Type)
	}
}

func (m *Monitor) runPeriodicResync(ctx context.Context) error {
	if err := m.Sync(); err != nil {
		m.log.Warnw("failed to read upstream state", zap.Error(err))
	}

	timer := time.NewTicker(m.resync)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := m.Sync(); err != nil {
				m.log.Warnw("failed to read upstream state", zap.Error(err))
			}
		}
	}
}

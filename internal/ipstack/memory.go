package ipstack

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// Op names an operation of the in-memory stack.
type Op string

const (
	OpAddAddress      Op = "add-address"
	OpRemoveAddress   Op = "remove-address"
	OpAddPrefix       Op = "add-prefix"
	OpRemovePrefix    Op = "remove-prefix"
	OpAddNeighbour    Op = "add-neighbour"
	OpRemoveNeighbour Op = "remove-neighbour"
	OpJoinGroup       Op = "join-group"
)

// Call is one recorded operation.
type Call struct {
	Op     Op
	Addr   netip.Addr
	Prefix netip.Prefix
}

func (m Call) String() string {
	if m.Prefix.IsValid() {
		return fmt.Sprintf("%s %s", m.Op, m.Prefix)
	}
	return fmt.Sprintf("%s %s", m.Op, m.Addr)
}

type failure struct {
	op   Op
	addr netip.Addr
}

// Memory is an in-process Stack. It records every call and can be told to
// fail selected operations, which makes it the stack used by tests and by
// daemons running without a kernel interface.
type Memory struct {
	mu         sync.Mutex
	addrs      map[netip.Addr]struct{}
	prefixes   map[netip.Prefix]struct{}
	neighbours map[netip.Addr]rdaddr.LinkAddr
	groups     map[netip.Addr]struct{}
	calls      []Call
	failures   map[failure]error
}

// NewMemory creates an empty in-memory stack.
func NewMemory() *Memory {
	return &Memory{
		addrs:      map[netip.Addr]struct{}{},
		prefixes:   map[netip.Prefix]struct{}{},
		neighbours: map[netip.Addr]rdaddr.LinkAddr{},
		groups:     map[netip.Addr]struct{}{},
		failures:   map[failure]error{},
	}
}

// FailOn makes op fail with err for the given address. An invalid address
// matches every address.
func (m *Memory) FailOn(op Op, addr netip.Addr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[failure{op: op, addr: addr}] = err
}

// ClearFailures removes every injected failure.
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.failures)
}

// must be called with the lock held.
func (m *Memory) record(call Call) error {
	m.calls = append(m.calls, call)

	addr := call.Addr
	if call.Prefix.IsValid() {
		addr = call.Prefix.Addr()
	}
	if err, ok := m.failures[failure{op: call.Op, addr: addr}]; ok {
		return err
	}
	if err, ok := m.failures[failure{op: call.Op}]; ok {
		return err
	}
	return nil
}

func (m *Memory) AddAddress(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpAddAddress, Addr: addr}); err != nil {
		return err
	}
	if _, ok := m.addrs[addr]; ok {
		return fmt.Errorf("address %s: %w", addr, ErrExists)
	}
	m.addrs[addr] = struct{}{}
	return nil
}

func (m *Memory) RemoveAddress(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpRemoveAddress, Addr: addr}); err != nil {
		return err
	}
	if _, ok := m.addrs[addr]; !ok {
		return fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	delete(m.addrs, addr)
	return nil
}

func (m *Memory) Addresses() ([]netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.SortedFunc(maps.Keys(m.addrs), netip.Addr.Compare), nil
}

func (m *Memory) AddPrefix(prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpAddPrefix, Prefix: prefix}); err != nil {
		return err
	}
	m.prefixes[prefix] = struct{}{}
	return nil
}

func (m *Memory) RemovePrefix(prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpRemovePrefix, Prefix: prefix}); err != nil {
		return err
	}
	if _, ok := m.prefixes[prefix]; !ok {
		return fmt.Errorf("prefix %s: %w", prefix, ErrNotFound)
	}
	delete(m.prefixes, prefix)
	return nil
}

func (m *Memory) Prefixes() ([]netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Collect(maps.Keys(m.prefixes))
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		return a.Addr().Compare(b.Addr())
	})
	return out, nil
}

func (m *Memory) AddNeighbour(addr netip.Addr, ll rdaddr.LinkAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpAddNeighbour, Addr: addr}); err != nil {
		return err
	}
	m.neighbours[addr] = ll
	return nil
}

func (m *Memory) RemoveNeighbour(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpRemoveNeighbour, Addr: addr}); err != nil {
		return err
	}
	if _, ok := m.neighbours[addr]; !ok {
		return fmt.Errorf("neighbour %s: %w", addr, ErrNotFound)
	}
	delete(m.neighbours, addr)
	return nil
}

func (m *Memory) JoinGroup(group netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(Call{Op: OpJoinGroup, Addr: group}); err != nil {
		return err
	}
	m.groups[group] = struct{}{}
	return nil
}

// HasAddress reports whether addr is configured.
func (m *Memory) HasAddress(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.addrs[addr]
	return ok
}

// HasNeighbour reports whether addr is in the peer cache.
func (m *Memory) HasNeighbour(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.neighbours[addr]
	return ok
}

// Neighbours returns the peer cache content.
func (m *Memory) Neighbours() map[netip.Addr]rdaddr.LinkAddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.neighbours)
}

// InGroup reports whether the multicast group was joined.
func (m *Memory) InGroup(group netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.groups[group]
	return ok
}

// Calls returns the recorded operations.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.calls)
}

// ResetCalls forgets the recorded operations.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = nil
}

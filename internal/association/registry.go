// Package association keeps the table of radio associations of one cluster
// interface: at most one parent and a bounded set of children.
package association

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

var (
	// ErrNoFreeSlot is returned when every child slot is occupied.
	ErrNoFreeSlot = errors.New("no free child slot")
	// ErrParentOccupied is returned when a parent association already exists.
	ErrParentOccupied = errors.New("parent association already exists")
	// ErrRootHasNoParent is returned when a root device is asked to create
	// a parent association.
	ErrRootHasNoParent = errors.New("root device cannot have a parent")
)

// Role is the side of an association relative to this device.
type Role int

const (
	RoleChild Role = iota
	RoleParent
)

func (m Role) String() string {
	switch m {
	case RoleChild:
		return "child"
	case RoleParent:
		return "parent"
	default:
		return fmt.Sprintf("Role(%d)", int(m))
	}
}

// Entry is the per-peer association state.
//
// Address fields are meaningful only while the matching Set flag is true,
// and the flag is true only while the address is present in the peer
// cache of the IPv6 stack.
type Entry struct {
	InUse         bool
	RDID          rdaddr.RDID
	LocalAddr     netip.Addr
	LocalAddrSet  bool
	GlobalAddr    netip.Addr
	GlobalAddrSet bool
}

// Removed describes an association taken out of the registry.
type Removed struct {
	Role Role
	// Entry is the slot content right before it was cleared.
	Entry Entry
	// Last is true when no association remains.
	Last bool
}

// Registry holds the parent slot and the child arena under one lock.
//
// Callers never perform side effects while holding the lock: every
// accessor returns value snapshots, except With, whose reference is valid
// only inside the callback.
type Registry struct {
	mu         sync.RWMutex
	parent     Entry
	children   []Entry
	deviceType func() rdaddr.DeviceType
}

// New creates a registry with room for childCapacity children. The device
// type is queried on every parent lookup since settings may change.
func New(childCapacity int, deviceType func() rdaddr.DeviceType) *Registry {
	return &Registry{
		children:   make([]Entry, childCapacity),
		deviceType: deviceType,
	}
}

// Capacity returns the size of the child arena.
func (m *Registry) Capacity() int {
	return len(m.children)
}

// find returns the slot holding id. Must be called with the lock held.
func (m *Registry) find(id rdaddr.RDID) (*Entry, Role) {
	for idx := range m.children {
		entry := &m.children[idx]
		if entry.InUse && entry.RDID == id {
			return entry, RoleChild
		}
	}
	if m.parent.InUse && m.parent.RDID == id {
		return &m.parent, RoleParent
	}
	return nil, RoleChild
}

// count must be called with the lock held.
func (m *Registry) count() int {
	n := 0
	for idx := range m.children {
		if m.children[idx].InUse {
			n++
		}
	}
	if m.parent.InUse {
		n++
	}
	return n
}

// Exists reports whether an association with the given id is present.
func (m *Registry) Exists(id rdaddr.RDID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, _ := m.find(id)
	return entry != nil
}

// ParentID returns the parent's id. A root device never has one.
func (m *Registry) ParentID() (rdaddr.RDID, bool) {
	if m.deviceType().IsRoot() {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.parent.InUse {
		return 0, false
	}
	return m.parent.RDID, true
}

// Lookup returns a snapshot of the entry with the given id.
func (m *Registry) Lookup(id rdaddr.RDID) (Entry, Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, role := m.find(id)
	if entry == nil {
		return Entry{}, RoleChild, false
	}
	return *entry, role, true
}

// With calls fn with a reference to the entry while holding the lock. The
// reference must not escape fn and fn must not block.
func (m *Registry) With(id rdaddr.RDID, fn func(entry *Entry, role Role)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, role := m.find(id)
	if entry == nil {
		return false
	}
	fn(entry, role)
	return true
}

// Count returns the number of in-use entries in both tables.
func (m *Registry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.count()
}

// CreateChild occupies a free child slot for id. The returned flag is true
// when this association is the only one on the interface.
//
// Uniqueness of id is not checked: the driver never creates an
// association twice.
func (m *Registry) CreateChild(id rdaddr.RDID) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := range m.children {
		entry := &m.children[idx]
		if entry.InUse {
			continue
		}

		*entry = Entry{InUse: true, RDID: id}
		return *entry, m.count() == 1, nil
	}

	return Entry{}, false, ErrNoFreeSlot
}

// CreateParent occupies the parent slot for id.
func (m *Registry) CreateParent(id rdaddr.RDID) (Entry, error) {
	if m.deviceType().IsRoot() {
		return Entry{}, ErrRootHasNoParent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.parent.InUse {
		return Entry{}, fmt.Errorf("%w: %s", ErrParentOccupied, m.parent.RDID)
	}

	m.parent = Entry{InUse: true, RDID: id}
	return m.parent, nil
}

// Remove clears the entry with the given id, searching children first.
func (m *Registry) Remove(id rdaddr.RDID) (Removed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, role := m.find(id)
	if entry == nil {
		return Removed{}, false
	}

	out := Removed{Role: role, Entry: *entry}
	*entry = Entry{}
	out.Last = m.count() == 0

	return out, true
}

// Clear removes every association.
func (m *Registry) Clear() []Removed {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Removed
	if m.parent.InUse {
		out = append(out, Removed{Role: RoleParent, Entry: m.parent})
		m.parent = Entry{}
	}
	for idx := range m.children {
		if m.children[idx].InUse {
			out = append(out, Removed{Role: RoleChild, Entry: m.children[idx]})
			m.children[idx] = Entry{}
		}
	}
	if len(out) > 0 {
		out[len(out)-1].Last = true
	}

	return out
}

// Children returns a snapshot of the in-use children.
func (m *Registry) Children() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.children))
	for idx := range m.children {
		if m.children[idx].InUse {
			out = append(out, m.children[idx])
		}
	}
	return out
}

// ChildIDs returns the ids of all children except the given one.
func (m *Registry) ChildIDs(except rdaddr.RDID, hasExcept bool) []rdaddr.RDID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]rdaddr.RDID, 0, len(m.children))
	for idx := range m.children {
		entry := &m.children[idx]
		if !entry.InUse {
			continue
		}
		if hasExcept && entry.RDID == except {
			continue
		}
		out = append(out, entry.RDID)
	}
	return out
}

// Snapshot returns copies of the parent, if any, and of all children.
func (m *Registry) Snapshot() (*Entry, []Entry) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var parent *Entry
	if m.parent.InUse {
		p := m.parent
		parent = &p
	}

	children := make([]Entry, 0, len(m.children))
	for idx := range m.children {
		if m.children[idx].InUse {
			children = append(children, m.children[idx])
		}
	}
	return parent, children
}

// Update writes the address fields of entry back into the slot with the
// same id. It is a no-op when the association is gone.
func (m *Registry) Update(entry Entry) bool {
	return m.With(entry.RDID, func(slot *Entry, _ Role) {
		slot.LocalAddr = entry.LocalAddr
		slot.LocalAddrSet = entry.LocalAddrSet
		slot.GlobalAddr = entry.GlobalAddr
		slot.GlobalAddrSet = entry.GlobalAddrSet
	})
}

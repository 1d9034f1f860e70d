package l2

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/rdmesh/rdmesh/internal/association"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

// PeerStatus describes one association.
type PeerStatus struct {
	RDID       rdaddr.RDID `json:"rd_id"`
	Role       string      `json:"role"`
	LocalAddr  netip.Addr  `json:"local_addr,omitzero"`
	GlobalAddr netip.Addr  `json:"global_addr,omitzero"`
}

// SinkStatus describes the sink prefix.
type SinkStatus struct {
	Iface  string `json:"iface"`
	Prefix string `json:"prefix"`
}

// Status is a snapshot of the interface state.
type Status struct {
	Iface      string       `json:"iface"`
	Dormant    bool         `json:"dormant"`
	NetworkID  uint32       `json:"network_id"`
	RDID       rdaddr.RDID  `json:"rd_id"`
	DeviceType string       `json:"device_type"`
	Prefix     string       `json:"prefix"`
	LocalAddr  netip.Addr   `json:"local_addr,omitzero"`
	GlobalAddr netip.Addr   `json:"global_addr,omitzero"`
	Parent     *PeerStatus  `json:"parent,omitempty"`
	Children   []PeerStatus `json:"children"`
	// MaxChildren is the size of the child association table.
	MaxChildren int         `json:"max_children"`
	Sink        *SinkStatus `json:"sink,omitempty"`
	// PrefixMismatch is set when the radio driver announces a sink prefix
	// other than the one the sink controller learned. The sink's view is
	// the one reported.
	PrefixMismatch bool `json:"prefix_mismatch,omitempty"`
}

func peerStatus(entry association.Entry, role association.Role) PeerStatus {
	out := PeerStatus{RDID: entry.RDID, Role: role.String()}
	if entry.LocalAddrSet {
		out.LocalAddr = entry.LocalAddr
	}
	if entry.GlobalAddrSet {
		out.GlobalAddr = entry.GlobalAddr
	}
	return out
}

// Status aggregates the association table and the sink state.
func (m *Interface) Status() Status {
	ctx := m.addressing.Context()
	parent, children := m.registry.Snapshot()

	out := Status{
		Iface:      m.name,
		Dormant:    m.Dormant(),
		NetworkID:  ctx.NetworkID,
		RDID:       ctx.RDID,
		DeviceType: ctx.DeviceType.String(),
		Prefix:     ctx.PrefixCfg.String(),
		LocalAddr:  ctx.LocalAddr,
		Children:   make([]PeerStatus, 0, len(children)),

		MaxChildren: m.registry.Capacity(),
	}
	if ctx.GlobalAddrSet {
		out.GlobalAddr = ctx.GlobalAddr
	}
	if parent != nil {
		p := peerStatus(*parent, association.RoleParent)
		out.Parent = &p
	}
	for _, child := range children {
		out.Children = append(out.Children, peerStatus(child, association.RoleChild))
	}

	var sinkCfg rdaddr.PrefixConfig
	if m.sink != nil {
		if record, ok := m.sink.Prefix(); ok {
			sinkCfg = record.Prefix
			out.Sink = &SinkStatus{Iface: record.Iface, Prefix: record.Prefix.String()}
		}
	}

	if m.reporter != nil {
		reported, ok := m.reporter.ReportedPrefix()
		if !ok {
			reported = rdaddr.PrefixConfig{}
		}
		if m.sink != nil && !reported.Equal(sinkCfg) {
			m.log.Warnw("radio driver prefix differs from sink prefix",
				zap.Stringer("driver", reported),
				zap.Stringer("sink", sinkCfg),
			)
			out.PrefixMismatch = true
		}
	}

	return out
}

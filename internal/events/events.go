// Package events carries association and sink notifications to whoever
// wants to observe them.
package events

import (
	"fmt"

	"github.com/rdmesh/rdmesh/internal/association"
	"github.com/rdmesh/rdmesh/internal/rdaddr"
)

const (
	// TopicAssociation carries AssociationChanged payloads.
	TopicAssociation = "association"
	// TopicSink carries SinkStatus payloads.
	TopicSink = "sink"
)

// Change is the kind of an association change.
type Change int

const (
	ChangeCreated Change = iota
	ChangeReleased
	ChangeRejected
)

func (m Change) String() string {
	switch m {
	case ChangeCreated:
		return "created"
	case ChangeReleased:
		return "released"
	case ChangeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Change(%d)", int(m))
	}
}

// ReleaseCause tells why an association ended.
type ReleaseCause int

const (
	CauseConnectionTermination ReleaseCause = iota
	CauseMobility
	CauseLongInactivity
	CauseIncompatibleConfiguration
	CauseInsufficientHWResources
	CauseInsufficientRadioResources
	CauseBadRadioQuality
	CauseSecurityError
	CauseOtherError
	CauseOtherReason
	CauseRACHResourceFailure
)

var releaseCauseNames = [...]string{
	CauseConnectionTermination:      "connection termination",
	CauseMobility:                   "mobility",
	CauseLongInactivity:             "long inactivity",
	CauseIncompatibleConfiguration:  "incompatible configuration",
	CauseInsufficientHWResources:    "insufficient HW resources",
	CauseInsufficientRadioResources: "insufficient radio resources",
	CauseBadRadioQuality:            "bad radio quality",
	CauseSecurityError:              "security error",
	CauseOtherError:                 "other error",
	CauseOtherReason:                "other reason",
	CauseRACHResourceFailure:        "RACH resource failure",
}

func (m ReleaseCause) String() string {
	if m >= 0 && int(m) < len(releaseCauseNames) {
		return releaseCauseNames[m]
	}
	return fmt.Sprintf("ReleaseCause(%d)", int(m))
}

// AssociationChanged is published whenever an association is created,
// released or could not be stored.
type AssociationChanged struct {
	Iface  string
	Role   association.Role
	Change Change
	RDID   rdaddr.RDID
	// Cause and PeerInitiated are meaningful for ChangeReleased only.
	Cause         ReleaseCause
	PeerInitiated bool
}

// SinkStatus is published on sink connectivity transitions.
type SinkStatus struct {
	Iface     string
	Connected bool
	Prefix    rdaddr.PrefixConfig
}

// Event is the envelope moved through the bus.
type Event struct {
	Topic string
	// Key selects the partition; events with the same key are delivered
	// in publication order.
	Key     string
	Payload any
}

// Handler processes one event.
type Handler func(*Event) error

// Publisher publishes events.
type Publisher interface {
	Publish(event *Event) error
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) error { return nil }

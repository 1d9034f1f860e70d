package addressing

import "github.com/rdmesh/rdmesh/internal/rdaddr"

// PrefixChange classifies a transition between two prefix configurations.
type PrefixChange int

const (
	PrefixUnchanged PrefixChange = iota
	PrefixAdded
	PrefixRevoked
	PrefixReplaced
)

func (m PrefixChange) String() string {
	switch m {
	case PrefixUnchanged:
		return "unchanged"
	case PrefixAdded:
		return "added"
	case PrefixRevoked:
		return "revoked"
	case PrefixReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// ClassifyPrefixChange tells how a delegated prefix moved from prev to next.
// Two set prefixes are the same when their first 64 bits match.
func ClassifyPrefixChange(prev rdaddr.PrefixConfig, next rdaddr.PrefixConfig) PrefixChange {
	switch {
	case !prev.IsSet() && next.IsSet():
		return PrefixAdded
	case prev.IsSet() && !next.IsSet():
		return PrefixRevoked
	case prev.IsSet() && next.IsSet() && !prev.Equal(next):
		return PrefixReplaced
	default:
		return PrefixUnchanged
	}
}

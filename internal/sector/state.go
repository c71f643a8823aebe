package sector

import (
	"time"

	"github.com/google/uuid"
)

// ShardId is the opaque, shard-chosen 128-bit identifier that must
// stay stable across a shard's lifetime, including reconnects.
type ShardId = uuid.UUID

// ClientHandle is the opaque transport-level identifier the
// replication server uses to address a connected shard. It changes on
// every reconnect even when the ShardId does not.
type ClientHandle uint64

// Kind discriminates the AssignmentState tagged variant. A plain int
// enum plus owner/since fields stand in for a sum type: Kind alone
// decides which of Owner/Since are meaningful.
type Kind uint8

const (
	// Unloaded means no shard owns the sector; data lives only in
	// persistence. Owner and Since are zero.
	Unloaded Kind = iota
	// Loading means owner has been asked to take the sector but has
	// not yet sent SectorReady.
	Loading
	// Active means owner is authoritatively simulating the sector.
	Active
	// Unloading means owner has been asked to release the sector and
	// has not yet sent SectorRemoved.
	Unloading
)

func (k Kind) String() string {
	switch k {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Unloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// AssignmentState is the per-sector lifecycle state. Since is only
// meaningful for Loading and Unloading (the two transient states that
// can time out); it is the zero time for Unloaded and Active.
type AssignmentState struct {
	Kind  Kind
	Owner ShardId
	Since time.Time
}

// HasOwner reports whether this state names an owning shard (every
// state except Unloaded).
func (s AssignmentState) HasOwner() bool {
	return s.Kind != Unloaded
}

// UnloadedState is the implicit starting state of every sector never
// seen before.
var UnloadedState = AssignmentState{Kind: Unloaded}

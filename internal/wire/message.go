// Package wire implements the length-prefixed, versioned framing for
// the shard control channel and the two message families that travel
// over it.
package wire

import (
	"fmt"

	"sectorfab/internal/sector"
)

// Version is the current wire protocol version. A frame whose version
// byte doesn't match this is a ProtocolError.
const Version byte = 1

// MaxFrameBytes is the default per-connection frame size cap
// (max_frame_bytes). Connections may be configured with a different
// cap; this is only the package default.
const MaxFrameBytes = 16 << 20

// Tag discriminates a frame's payload shape. Tags are a single closed
// set across both directions; nothing on the wire ever needs a
// separate "direction" bit because each connection only ever sends
// the tags legal for its role.
type Tag byte

const (
	TagIdentifyShard Tag = iota + 1
	TagSectorReady
	TagSectorRemoved
	TagShardLoadUpdate
	TagEntityTransitionRequest
	TagEntitySpawnAck

	TagAssignSectors
	TagUnassignSector
	TagSectorInitialState
	TagAcknowledgeTransition
	TagSpawnEntity
)

func (t Tag) String() string {
	switch t {
	case TagIdentifyShard:
		return "IdentifyShard"
	case TagSectorReady:
		return "SectorReady"
	case TagSectorRemoved:
		return "SectorRemoved"
	case TagShardLoadUpdate:
		return "ShardLoadUpdate"
	case TagEntityTransitionRequest:
		return "EntityTransitionRequest"
	case TagEntitySpawnAck:
		return "EntitySpawnAck"
	case TagAssignSectors:
		return "AssignSectors"
	case TagUnassignSector:
		return "UnassignSector"
	case TagSectorInitialState:
		return "SectorInitialState"
	case TagAcknowledgeTransition:
		return "AcknowledgeTransition"
	case TagSpawnEntity:
		return "SpawnEntity"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// ProtocolError is fatal to the connection it occurred on: unknown
// tag, truncated frame, oversized frame, or version mismatch. A first
// frame that isn't IdentifyShard also ends the connection, but the
// transport closes it directly without producing a ProtocolError.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Vec2 is a plain 2D float vector (position or velocity).
type Vec2 struct {
	X, Y float32
}

// --- Shard -> Replication messages ---

// IdentifyShard is, and must be, the first frame a shard ever sends.
// Credential is the bearer token verified by the auth package before
// registration proceeds.
type IdentifyShard struct {
	ShardID         sector.ShardId
	Credential      []byte
	DeclaredSectors []sector.Sector
}

// SectorReady announces that the shard has finished loading a sector
// and is now simulating it.
type SectorReady struct {
	Sector sector.Sector
}

// SectorRemoved announces that the shard has flushed and released a
// sector.
type SectorRemoved struct {
	Sector sector.Sector
}

// ShardLoadUpdate is periodic load telemetry.
type ShardLoadUpdate struct {
	EntityCount uint32
	PlayerCount uint32
}

// EntityTransitionRequest asks the replication server to hand an
// entity off to whichever shard owns To.
type EntityTransitionRequest struct {
	EntityID uint64
	From     sector.Sector
	To       sector.Sector
	Position Vec2
	Velocity Vec2
	Blob     []byte
}

// EntitySpawnAck confirms that a forwarded SpawnEntity was
// materialized and is ready; the orchestrator answers with
// AcknowledgeTransition to the origin shard once this arrives.
type EntitySpawnAck struct {
	EntityID uint64
}

// --- Replication -> Shard messages ---

// AssignSectors tells the shard to take ownership of the given
// sectors.
type AssignSectors struct {
	Sectors []sector.Sector
}

// UnassignSector tells the shard to release a sector it owns.
type UnassignSector struct {
	Sector sector.Sector
}

// SectorInitialState carries the persisted entities to spawn for a
// newly assigned sector.
type SectorInitialState struct {
	Sector   sector.Sector
	Entities []byte
}

// AcknowledgeTransition confirms an entity handoff to the origin
// shard, sent once the destination shard has spawned the entity (or at
// once when origin and destination are the same shard); the origin may
// then drop its local copy.
type AcknowledgeTransition struct {
	EntityID    uint64
	Destination sector.Sector
}

// SpawnEntity is the forwarded half of an entity handoff: the
// orchestrator's resolution of an EntityTransitionRequest whose
// destination sector is Active under a different shard. The protocol
// leaves its on-wire shape unspecified beyond "it uses the same
// channel"; this carries exactly what the destination shard needs to
// materialize the entity before acknowledging readiness.
type SpawnEntity struct {
	Sector   sector.Sector
	EntityID uint64
	Position Vec2
	Velocity Vec2
	Blob     []byte
}

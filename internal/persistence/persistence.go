// Package persistence defines the snapshot-store interface the
// control plane consumes: a startup snapshot load and a per-sector
// dirty marker emitted on deactivation. The storage backend itself is
// abstract -- sqlite and nats implementations live in sibling
// packages.
package persistence

import (
	"context"
	"time"

	"sectorfab/internal/sector"
)

// EntityRecord is one persisted entity as handed back by
// LoadInitialSnapshot. Fields beyond Sector/EntityID/Blob are opaque
// to the control plane -- it only routes the blob to whichever shard
// ends up owning Sector.
type EntityRecord struct {
	Sector   sector.Sector
	EntityID uint64
	Blob     []byte
}

// Store is the persistence hook interface the control plane consumes:
// a startup snapshot source plus a sink for sector-dirty markers.
type Store interface {
	// LoadInitialSnapshot returns every persisted entity as of startup,
	// delivered to fn in EntityRecord.Sector order grouping is not
	// guaranteed; the orchestrator groups by sector itself.
	LoadInitialSnapshot(ctx context.Context, fn func(EntityRecord) error) error

	// MarkSectorDirty records that s deactivated at lastSeen, so the
	// storage backend can flush/checkpoint it.
	MarkSectorDirty(ctx context.Context, s sector.Sector, lastSeen time.Time) error

	// Close releases any held resources (connections, files).
	Close() error
}

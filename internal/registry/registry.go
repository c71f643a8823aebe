// Package registry implements the Shard Registry: the authoritative
// set of connected shards, their transport handles, and their
// self-reported load. It never touches the sector map directly -- it
// only reports facts for the orchestrator to act on.
package registry

import (
	"sync"
	"time"

	"sectorfab/internal/sector"
)

// LoadStats is the telemetry a shard periodically reports.
type LoadStats struct {
	EntityCount uint32
	PlayerCount uint32
}

// Score computes the scalar load score:
// entity_count + playerWeight*player_count (playerWeight defaults to 10).
func (l LoadStats) Score(playerWeight uint32) uint32 {
	return l.EntityCount + playerWeight*l.PlayerCount
}

// ShardInfo is everything the registry tracks about one connected
// shard.
type ShardInfo struct {
	ShardID        sector.ShardId
	ClientHandle   sector.ClientHandle
	Sectors        map[sector.Sector]struct{}
	ConnectedAt    time.Time
	Load           LoadStats
	LastLoadUpdate time.Time
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// registry's lock.
func (s ShardInfo) Clone() ShardInfo {
	sectors := make(map[sector.Sector]struct{}, len(s.Sectors))
	for sec := range s.Sectors {
		sectors[sec] = struct{}{}
	}
	s.Sectors = sectors
	return s
}

// Outcome describes the result of a registration attempt.
type Outcome int

const (
	// Fresh means this ShardId has never been seen before.
	Fresh Outcome = iota
	// Rejoined means the same ShardId reappeared, possibly on a new
	// ClientHandle.
	Rejoined
	// Rejected means the registry is at capacity and the connection
	// must be refused.
	Rejected
)

// Registry tracks every connected shard. It is owned by the
// orchestrator (the sole writer) but exposes a mutex so concurrent
// admin readers can take consistent snapshots, matching the Sector
// Map's concurrency policy.
type Registry struct {
	mu        sync.RWMutex
	byShard   map[sector.ShardId]*ShardInfo
	byHandle  map[sector.ClientHandle]sector.ShardId
	maxShards int
}

// New creates an empty registry capped at maxShards entries (the
// max_shards configuration option).
func New(maxShards int) *Registry {
	return &Registry{
		byShard:   make(map[sector.ShardId]*ShardInfo),
		byHandle:  make(map[sector.ClientHandle]sector.ShardId),
		maxShards: maxShards,
	}
}

// Register admits a shard. If clientHandle is already mapped to a
// different ShardId, that stale registration is removed first: a
// ClientHandle identifies at most one ShardId.
//
// Declared sectors are not handled here: the orchestrator
// cross-checks each one against the sector map (see the Rejoined-shard
// open-question resolution) and records every accepted sector with
// AddSector.
func (r *Registry) Register(handle sector.ClientHandle, id sector.ShardId) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byHandle[handle]; ok && existingID != id {
		r.removeLocked(existingID)
	}

	if existing, ok := r.byShard[id]; ok {
		if existing.ClientHandle != handle {
			delete(r.byHandle, existing.ClientHandle)
			existing.ClientHandle = handle
			r.byHandle[handle] = id
		}
		return Rejoined
	}

	if r.maxShards > 0 && len(r.byShard) >= r.maxShards {
		return Rejected
	}

	r.byShard[id] = &ShardInfo{
		ShardID:      id,
		ClientHandle: handle,
		Sectors:      make(map[sector.Sector]struct{}),
		ConnectedAt:  time.Now(),
	}
	r.byHandle[handle] = id
	return Fresh
}

// DropByHandle removes the shard addressed by handle, if any, and
// returns its ShardId and the set of sectors it owned at the moment
// of removal so the orchestrator can cascade them to Unloaded.
func (r *Registry) DropByHandle(handle sector.ClientHandle) (sector.ShardId, []sector.Sector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHandle[handle]
	if !ok {
		return sector.ShardId{}, nil, false
	}

	info := r.byShard[id]
	sectors := make([]sector.Sector, 0, len(info.Sectors))
	for s := range info.Sectors {
		sectors = append(sectors, s)
	}

	r.removeLocked(id)
	return id, sectors, true
}

// removeLocked deletes id from both indexes. Caller must hold mu.
func (r *Registry) removeLocked(id sector.ShardId) {
	if info, ok := r.byShard[id]; ok {
		delete(r.byHandle, info.ClientHandle)
		delete(r.byShard, id)
	}
}

// UpdateLoad records a shard's latest telemetry.
func (r *Registry) UpdateLoad(id sector.ShardId, stats LoadStats) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byShard[id]
	if !ok {
		return false
	}
	info.Load = stats
	info.LastLoadUpdate = time.Now()
	return true
}

// AddSector records that owner now owns s. The orchestrator calls
// this exactly once per successful BeginLoading, so a shard's sector
// set and the sector map's owner index never drift apart.
func (r *Registry) AddSector(id sector.ShardId, s sector.Sector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.byShard[id]; ok {
		info.Sectors[s] = struct{}{}
	}
}

// RemoveSector records that owner no longer owns s.
func (r *Registry) RemoveSector(id sector.ShardId, s sector.Sector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.byShard[id]; ok {
		delete(info.Sectors, s)
	}
}

// Get returns a copy of the ShardInfo for id.
func (r *Registry) Get(id sector.ShardId) (ShardInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byShard[id]
	if !ok {
		return ShardInfo{}, false
	}
	return info.Clone(), true
}

// ByHandle returns a copy of the ShardInfo addressed by handle.
func (r *Registry) ByHandle(handle sector.ClientHandle) (ShardInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[handle]
	if !ok {
		return ShardInfo{}, false
	}
	return r.byShard[id].Clone(), true
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id sector.ShardId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byShard[id]
	return ok
}

// Snapshot returns a copy of every registered shard, keyed by id.
func (r *Registry) Snapshot() map[sector.ShardId]ShardInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[sector.ShardId]ShardInfo, len(r.byShard))
	for id, info := range r.byShard {
		out[id] = info.Clone()
	}
	return out
}

// Len returns the number of registered shards.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byShard)
}

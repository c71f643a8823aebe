package sector

import (
	"sync"
	"time"
)

// Map is the authoritative Sector -> AssignmentState table. The
// orchestrator is its only writer; every mutating method here assumes
// single-writer discipline and exists purely to make each lifecycle
// transition atomic with respect to concurrent readers (admin
// snapshots, metrics).
type Map struct {
	mu     sync.RWMutex
	states map[Sector]AssignmentState
}

// NewMap creates an empty sector map; every sector not present is
// implicitly Unloaded.
func NewMap() *Map {
	return &Map{states: make(map[Sector]AssignmentState)}
}

// Get returns the current state of s, defaulting to Unloaded.
func (m *Map) Get(s Sector) AssignmentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[s]
	if !ok {
		return UnloadedState
	}
	return st
}

// Owner returns the owning ShardId for s, if any.
func (m *Map) Owner(s Sector) (ShardId, bool) {
	st := m.Get(s)
	if !st.HasOwner() {
		return ShardId{}, false
	}
	return st.Owner, true
}

// BeginLoading transitions Unloaded -> Loading{owner}. If s is already
// Loading or Active under any owner, this is a no-op and the current
// owner is returned per the "assigning an already-owned sector" policy.
// It reports whether a new Loading transition actually happened.
func (m *Map) BeginLoading(s Sector, owner ShardId, now time.Time) (started bool, currentOwner ShardId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[s]
	if ok && (st.Kind == Loading || st.Kind == Active) {
		return false, st.Owner
	}

	m.states[s] = AssignmentState{Kind: Loading, Owner: owner, Since: now}
	return true, owner
}

// MarkReady transitions Loading{owner} -> Active{owner}. It returns
// false (no state change) if s is not Loading, or is Loading under a
// different owner -- a mismatched ACK never mutates state.
func (m *Map) MarkReady(s Sector, owner ShardId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[s]
	if !ok || st.Kind != Loading || st.Owner != owner {
		return false
	}

	m.states[s] = AssignmentState{Kind: Active, Owner: owner}
	return true
}

// BeginUnloading transitions Active{owner} -> Unloading{owner}, used
// by both the deactivation sweep and rebalance migrations. It returns
// false if s is not currently Active.
func (m *Map) BeginUnloading(s Sector, now time.Time) (owner ShardId, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, present := m.states[s]
	if !present || st.Kind != Active {
		return ShardId{}, false
	}

	owner = st.Owner
	m.states[s] = AssignmentState{Kind: Unloading, Owner: owner, Since: now}
	return owner, true
}

// MarkRemoved transitions Unloading{owner} -> Unloaded. It returns
// false if s is not Unloading under owner (the mismatched-ACK policy).
func (m *Map) MarkRemoved(s Sector, owner ShardId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[s]
	if !ok || st.Kind != Unloading || st.Owner != owner {
		return false
	}

	delete(m.states, s)
	return true
}

// ForceUnload jumps s directly to Unloaded regardless of its current
// state. It is used only for the shard-disconnect cascade, where the
// owning shard can no longer ACK a graceful release.
func (m *Map) ForceUnload(s Sector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, s)
}

// Snapshot returns a point-in-time copy of every non-Unloaded sector.
// Safe for admin/metrics readers to call concurrently with the
// orchestrator's mutations.
func (m *Map) Snapshot() map[Sector]AssignmentState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Sector]AssignmentState, len(m.states))
	for s, st := range m.states {
		out[s] = st
	}
	return out
}

// OwnedBy returns every sector currently assigned (in any non-Unloaded
// state) to owner.
func (m *Map) OwnedBy(owner ShardId) []Sector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Sector
	for s, st := range m.states {
		if st.HasOwner() && st.Owner == owner {
			out = append(out, s)
		}
	}
	return out
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sectorfab/internal/config"
	"sectorfab/internal/persistence"
	"sectorfab/internal/registry"
	"sectorfab/internal/sector"
	"sectorfab/internal/transition"
	"sectorfab/internal/wire"
)

// fakeSender records every Send/Disconnect call instead of touching a
// real connection.
type fakeSender struct {
	mu           sync.Mutex
	sent         map[sector.ClientHandle][]any
	disconnected map[sector.ClientHandle]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:         make(map[sector.ClientHandle][]any),
		disconnected: make(map[sector.ClientHandle]bool),
	}
}

func (f *fakeSender) Send(handle sector.ClientHandle, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[handle] = append(f.sent[handle], msg)
	return nil
}

func (f *fakeSender) Disconnect(handle sector.ClientHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected[handle] = true
}

func (f *fakeSender) all(handle sector.ClientHandle) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent[handle]))
	copy(out, f.sent[handle])
	return out
}

func (f *fakeSender) last(handle sector.ClientHandle) any {
	msgs := f.all(handle)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type fakeStore struct{}

func (fakeStore) LoadInitialSnapshot(ctx context.Context, fn func(persistence.EntityRecord) error) error {
	return nil
}
func (fakeStore) MarkSectorDirty(ctx context.Context, s sector.Sector, lastSeen time.Time) error {
	return nil
}
func (fakeStore) Close() error { return nil }

// seededStore serves a fixed snapshot and reports every dirty marker
// on a channel so tests can await the async retry goroutine.
type seededStore struct {
	records []persistence.EntityRecord
	dirty   chan sector.Sector
}

func (s seededStore) LoadInitialSnapshot(ctx context.Context, fn func(persistence.EntityRecord) error) error {
	for _, rec := range s.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s seededStore) MarkSectorDirty(ctx context.Context, sec sector.Sector, lastSeen time.Time) error {
	if s.dirty != nil {
		s.dirty <- sec
	}
	return nil
}

func (s seededStore) Close() error { return nil }

func testConfig() config.Config {
	return config.Config{
		Sector: config.SectorConfig{
			MaxShards:                 32,
			TransitionQueueCap:        1024,
			RebalanceInterval:         time.Hour,
			DeactivationCheckInterval: time.Hour,
			DeactivationTimeout:       300 * time.Second,
			LoadingStuckTimeout:       30 * time.Second,
			LoadStaleTimeout:          60 * time.Second,
		},
		Placement: config.PlacementConfig{
			LoadThreshold: 100,
			PlayerWeight:  10,
		},
	}
}

func newTestOrchestrator() (*Orchestrator, *registry.Registry, *sector.Map, *transition.Queues, *fakeSender) {
	reg := registry.New(32)
	smap := sector.NewMap()
	tq := transition.NewQueues(1024)
	sender := newFakeSender()
	orch := New(testConfig(), zap.NewNop(), nil, reg, smap, tq, fakeStore{}, sender)
	return orch, reg, smap, tq, sender
}

// Scenario 1: cold start, first shard joins with no declared sectors.
func TestColdStartFirstShardJoins(t *testing.T) {
	orch, _, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	handle := sector.ClientHandle(1)

	orch.handleIdentify(handle, wire.IdentifyShard{ShardID: s1})

	msg := sender.last(handle)
	require.NotNil(t, msg)
	assign, ok := msg.(wire.AssignSectors)
	require.True(t, ok)
	assert.ElementsMatch(t, []sector.Sector{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 0}, {X: 1, Y: 1}}, assign.Sectors)

	for _, s := range assign.Sectors {
		st := smap.Get(s)
		assert.Equal(t, sector.Loading, st.Kind)
		assert.Equal(t, s1, st.Owner)
	}
}

// Scenario 2: readiness ACK activates exactly the acknowledged sector.
func TestReadinessAck(t *testing.T) {
	orch, _, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	handle := sector.ClientHandle(1)
	orch.handleIdentify(handle, wire.IdentifyShard{ShardID: s1})

	before := len(sender.all(handle))
	orch.handleSectorReady(handle, wire.SectorReady{Sector: sector.Sector{X: 0, Y: 0}})

	st := smap.Get(sector.Sector{X: 0, Y: 0})
	assert.Equal(t, sector.Active, st.Kind)
	assert.Equal(t, s1, st.Owner)

	other := smap.Get(sector.Sector{X: 0, Y: 1})
	assert.Equal(t, sector.Loading, other.Kind)

	// A readiness ACK with no pending transitions produces no outbound
	// traffic at all.
	assert.Len(t, sender.all(handle), before)
}

// Persisted entities for an assigned sector are delivered right after
// the assignment, before the shard's SectorReady is expected; sectors
// with nothing persisted get no SectorInitialState frame.
func TestInitialStateFollowsAssignment(t *testing.T) {
	reg := registry.New(32)
	smap := sector.NewMap()
	tq := transition.NewQueues(1024)
	sender := newFakeSender()
	store := seededStore{records: []persistence.EntityRecord{
		{Sector: sector.Sector{X: 0, Y: 0}, EntityID: 11, Blob: []byte{1}},
		{Sector: sector.Sector{X: 0, Y: 0}, EntityID: 12, Blob: []byte{2}},
	}}
	orch := New(testConfig(), zap.NewNop(), nil, reg, smap, tq, store, sender)
	require.NoError(t, orch.LoadSnapshot(context.Background()))

	handle := sector.ClientHandle(1)
	orch.handleIdentify(handle, wire.IdentifyShard{ShardID: uuid.New()})

	msgs := sender.all(handle)
	require.NotEmpty(t, msgs)
	_, isAssign := msgs[0].(wire.AssignSectors)
	require.True(t, isAssign)

	var initials []wire.SectorInitialState
	for _, msg := range msgs[1:] {
		if init, ok := msg.(wire.SectorInitialState); ok {
			initials = append(initials, init)
		}
	}
	require.Len(t, initials, 1)
	assert.Equal(t, sector.Sector{X: 0, Y: 0}, initials[0].Sector)
	assert.NotEmpty(t, initials[0].Entities)
}

// Scenario 3: mismatched ACK from a shard that doesn't own the sector.
func TestMismatchedSectorReadyIsIgnored(t *testing.T) {
	orch, _, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	s2 := uuid.New()
	h1 := sector.ClientHandle(1)
	h2 := sector.ClientHandle(2)

	orch.handleIdentify(h1, wire.IdentifyShard{ShardID: s1})
	orch.handleIdentify(h2, wire.IdentifyShard{ShardID: s2, DeclaredSectors: nil})

	before := len(sender.all(h1))
	// S2 claims readiness of a sector it was never assigned.
	orch.handleSectorReady(h2, wire.SectorReady{Sector: sector.Sector{X: 0, Y: 1}})

	st := smap.Get(sector.Sector{X: 0, Y: 1})
	assert.Equal(t, sector.Loading, st.Kind)
	assert.Equal(t, s1, st.Owner)
	assert.Len(t, sender.all(h1), before)
}

// Scenario 4 (partial): an overloaded shard's edge sectors are asked to
// unload on a rebalance sweep.
func TestRebalanceSweepUnassignsEdgeSectors(t *testing.T) {
	orch, reg, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	s2 := uuid.New()
	h1 := sector.ClientHandle(1)
	h2 := sector.ClientHandle(2)

	reg.Register(h1, s1)
	reg.Register(h2, s2)

	strip := []sector.Sector{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: 2}, {X: 0, Y: 3}}
	for _, s := range strip {
		smap.BeginLoading(s, s1, time.Now())
		smap.MarkReady(s, s1)
		reg.AddSector(s1, s)
	}
	reg.UpdateLoad(s1, registry.LoadStats{EntityCount: 120})
	reg.UpdateLoad(s2, registry.LoadStats{EntityCount: 0})

	orch.rebalanceSweep()

	unassigned := 0
	for _, msg := range sender.all(h1) {
		if u, ok := msg.(wire.UnassignSector); ok {
			st := smap.Get(u.Sector)
			assert.Equal(t, sector.Unloading, st.Kind)
			unassigned++
		}
	}
	assert.LessOrEqual(t, unassigned, 2)
	assert.Greater(t, unassigned, 0)

	// Completing the handoff re-places the freed sector onto the lighter shard.
	var freed sector.Sector
	for s, st := range smap.Snapshot() {
		if st.Kind == sector.Unloading {
			freed = s
			break
		}
	}
	orch.handleSectorRemoved(h1, wire.SectorRemoved{Sector: freed})

	st := smap.Get(freed)
	assert.Equal(t, sector.Loading, st.Kind)
	assert.Equal(t, s2, st.Owner)
}

// Scenario 5: a destination shard disconnects mid-handoff, before
// acknowledging; the entity stays on the origin and no
// AcknowledgeTransition is ever sent.
func TestDisconnectDuringPendingTransitionCancelsHandoff(t *testing.T) {
	orch, reg, smap, tq, sender := newTestOrchestrator()
	s1 := uuid.New()
	s2 := uuid.New()
	h1 := sector.ClientHandle(1)
	h2 := sector.ClientHandle(2)

	reg.Register(h1, s1)
	reg.Register(h2, s2)
	origin := sector.Sector{X: 0, Y: 0}
	dest := sector.Sector{X: 1, Y: 0}
	smap.BeginLoading(origin, s1, time.Now())
	smap.MarkReady(origin, s1)
	reg.AddSector(s1, origin)
	smap.BeginLoading(dest, s2, time.Now())
	smap.MarkReady(dest, s2)
	reg.AddSector(s2, dest)

	req := wire.EntityTransitionRequest{EntityID: 7, From: origin, To: dest}
	orch.handleTransitionRequest(h1, req)

	// S2 should have received a SpawnEntity and nothing acked yet.
	spawned := false
	for _, msg := range sender.all(h2) {
		if _, ok := msg.(wire.SpawnEntity); ok {
			spawned = true
		}
	}
	assert.True(t, spawned)
	assert.Empty(t, sender.all(h1))

	before := len(sender.all(h1))
	orch.handleDisconnect(h2)

	assert.Equal(t, sector.Unloaded, smap.Get(dest).Kind)
	assert.Equal(t, 0, tq.Len(dest))
	// No AcknowledgeTransition should ever reach S1.
	for _, msg := range sender.all(h1)[before:] {
		_, isAck := msg.(wire.AcknowledgeTransition)
		assert.False(t, isAck)
	}
}

// Scenario 6: a long-empty Active sector is deactivated, and the freed
// sector is marked dirty in persistence once removal is acknowledged.
func TestDeactivationSweep(t *testing.T) {
	orch, reg, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	h1 := sector.ClientHandle(1)
	reg.Register(h1, s1)

	s := sector.Sector{X: 5, Y: 5}
	smap.BeginLoading(s, s1, time.Now())
	smap.MarkReady(s, s1)
	reg.AddSector(s1, s)
	orch.emptySince[s] = time.Now().Add(-305 * time.Second)

	orch.deactivationSweep()

	st := smap.Get(s)
	assert.Equal(t, sector.Unloading, st.Kind)

	last := sender.last(h1)
	unassign, ok := last.(wire.UnassignSector)
	require.True(t, ok)
	assert.Equal(t, s, unassign.Sector)

	orch.handleSectorRemoved(h1, wire.SectorRemoved{Sector: s})
	assert.Equal(t, sector.Unloaded, smap.Get(s).Kind)
}

// A transition whose destination and origin share an owner is
// acknowledged immediately with nothing forwarded.
func TestTransitionShortCircuitSameOwner(t *testing.T) {
	orch, reg, smap, _, sender := newTestOrchestrator()
	s1 := uuid.New()
	h1 := sector.ClientHandle(1)
	reg.Register(h1, s1)

	from := sector.Sector{X: 0, Y: 0}
	to := sector.Sector{X: 0, Y: 1}
	for _, s := range []sector.Sector{from, to} {
		smap.BeginLoading(s, s1, time.Now())
		smap.MarkReady(s, s1)
		reg.AddSector(s1, s)
	}

	orch.handleTransitionRequest(h1, wire.EntityTransitionRequest{EntityID: 9, From: from, To: to})

	ack, ok := sender.last(h1).(wire.AcknowledgeTransition)
	require.True(t, ok)
	assert.Equal(t, uint64(9), ack.EntityID)
	assert.Equal(t, to, ack.Destination)
}

// A transition into an Unloaded sector queues the request, drives the
// destination through placement, and resumes once the new owner
// reports SectorReady: the request forwards as a SpawnEntity, and the
// spawn ACK releases the AcknowledgeTransition back to the origin.
func TestTransitionIntoUnloadedSectorActivatesAndResumes(t *testing.T) {
	orch, reg, smap, tq, sender := newTestOrchestrator()
	s1 := uuid.New()
	s2 := uuid.New()
	h1 := sector.ClientHandle(1)
	h2 := sector.ClientHandle(2)
	reg.Register(h1, s1)
	reg.Register(h2, s2)

	from := sector.Sector{X: 0, Y: 0}
	smap.BeginLoading(from, s1, time.Now())
	smap.MarkReady(from, s1)
	reg.AddSector(s1, from)
	// Give s1 significant load so placement prefers s2 for the new sector.
	reg.UpdateLoad(s1, registry.LoadStats{EntityCount: 50})

	dest := sector.Sector{X: 7, Y: 7}
	req := wire.EntityTransitionRequest{EntityID: 21, From: from, To: dest, Blob: []byte{0xaa}}
	orch.handleTransitionRequest(h1, req)

	assert.Equal(t, 1, tq.Len(dest))
	st := smap.Get(dest)
	require.Equal(t, sector.Loading, st.Kind)
	assert.Equal(t, s2, st.Owner)
	assign, ok := sender.last(h2).(wire.AssignSectors)
	require.True(t, ok)
	assert.Equal(t, []sector.Sector{dest}, assign.Sectors)

	orch.handleSectorReady(h2, wire.SectorReady{Sector: dest})

	assert.Zero(t, tq.Len(dest))
	spawn, ok := sender.last(h2).(wire.SpawnEntity)
	require.True(t, ok)
	assert.Equal(t, uint64(21), spawn.EntityID)
	assert.Equal(t, dest, spawn.Sector)

	orch.handleSpawnAck(h2, wire.EntitySpawnAck{EntityID: 21})
	ack, ok := sender.last(h1).(wire.AcknowledgeTransition)
	require.True(t, ok)
	assert.Equal(t, uint64(21), ack.EntityID)
	assert.Equal(t, dest, ack.Destination)
}

// Transitions still queued against a Loading sector are cancelled when
// its owner disconnects; the origin never receives an acknowledgement
// and keeps the entity.
func TestDisconnectCancelsTransitionsQueuedOnItsSectors(t *testing.T) {
	orch, reg, smap, tq, sender := newTestOrchestrator()
	s1 := uuid.New()
	s2 := uuid.New()
	h1 := sector.ClientHandle(1)
	h2 := sector.ClientHandle(2)
	reg.Register(h1, s1)
	reg.Register(h2, s2)

	from := sector.Sector{X: 0, Y: 0}
	smap.BeginLoading(from, s1, time.Now())
	smap.MarkReady(from, s1)
	reg.AddSector(s1, from)

	dest := sector.Sector{X: 1, Y: 0}
	smap.BeginLoading(dest, s2, time.Now())
	reg.AddSector(s2, dest)

	orch.handleTransitionRequest(h1, wire.EntityTransitionRequest{EntityID: 3, From: from, To: dest})
	require.Equal(t, 1, tq.Len(dest))

	orch.handleDisconnect(h2)

	assert.Zero(t, tq.Len(dest))
	assert.Equal(t, sector.Unloaded, smap.Get(dest).Kind)
	for _, msg := range sender.all(h1) {
		_, isAck := msg.(wire.AcknowledgeTransition)
		assert.False(t, isAck)
	}
}

// Re-identifying a live handle under a new shard id drops the old
// registration and cascades its sectors, so the map never keeps owners
// the registry has forgotten.
func TestReidentifyOnSameHandleCascadesOldShard(t *testing.T) {
	orch, reg, smap, _, _ := newTestOrchestrator()
	old := uuid.New()
	replacement := uuid.New()
	handle := sector.ClientHandle(1)

	orch.handleIdentify(handle, wire.IdentifyShard{ShardID: old})
	owned := smap.OwnedBy(old)
	require.NotEmpty(t, owned)

	orch.handleIdentify(handle, wire.IdentifyShard{ShardID: replacement})

	assert.False(t, reg.Contains(old))
	assert.True(t, reg.Contains(replacement))
	for _, s := range owned {
		st := smap.Get(s)
		if st.HasOwner() {
			assert.Equal(t, replacement, st.Owner)
		}
	}
}

// Completing a deactivation handoff emits the sector's dirty marker to
// persistence (asynchronously, off the event loop).
func TestDeactivationMarksSectorDirty(t *testing.T) {
	reg := registry.New(32)
	smap := sector.NewMap()
	tq := transition.NewQueues(1024)
	sender := newFakeSender()
	store := seededStore{dirty: make(chan sector.Sector, 1)}
	orch := New(testConfig(), zap.NewNop(), nil, reg, smap, tq, store, sender)

	s1 := uuid.New()
	h1 := sector.ClientHandle(1)
	reg.Register(h1, s1)

	s := sector.Sector{X: 5, Y: 5}
	smap.BeginLoading(s, s1, time.Now())
	smap.MarkReady(s, s1)
	reg.AddSector(s1, s)
	orch.emptySince[s] = time.Now().Add(-305 * time.Second)

	orch.deactivationSweep()
	orch.handleSectorRemoved(h1, wire.SectorRemoved{Sector: s})

	select {
	case marked := <-store.dirty:
		assert.Equal(t, s, marked)
	case <-time.After(2 * time.Second):
		t.Fatal("mark_sector_dirty was never invoked")
	}
}

// A credential rejection is handled by the transport layer's auth check
// and never reaches the registry; this exercises the analogous
// at-capacity rejection path the orchestrator does own.
func TestRegistryAtCapacityRejectsNewShard(t *testing.T) {
	reg := registry.New(1)
	smap := sector.NewMap()
	tq := transition.NewQueues(1024)
	sender := newFakeSender()
	orch := New(testConfig(), zap.NewNop(), nil, reg, smap, tq, fakeStore{}, sender)

	s1 := uuid.New()
	s2 := uuid.New()
	orch.handleIdentify(sector.ClientHandle(1), wire.IdentifyShard{ShardID: s1})
	orch.handleIdentify(sector.ClientHandle(2), wire.IdentifyShard{ShardID: s2})

	assert.True(t, sender.disconnected[sector.ClientHandle(2)])
	assert.Equal(t, 1, reg.Len())
}

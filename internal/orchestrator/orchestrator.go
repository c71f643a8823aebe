// Package orchestrator is the single-writer event loop described by
// the control plane design: it owns the Sector Map and Shard Registry,
// consumes inbound shard frames and periodic ticks in one select loop,
// and is the only code path that ever mutates either structure. Admin
// and metrics readers only ever see consistent snapshots taken under
// those structures' own locks.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sectorfab/internal/config"
	"sectorfab/internal/metrics"
	"sectorfab/internal/persistence"
	"sectorfab/internal/placement"
	"sectorfab/internal/registry"
	"sectorfab/internal/sector"
	"sectorfab/internal/transition"
	"sectorfab/internal/transport"
	"sectorfab/internal/wire"
)

// Sender is the outbound half of the shard control channel the
// orchestrator needs: encode-and-enqueue a reply, or forcibly drop a
// connection. *transport.Server satisfies this.
type Sender interface {
	Send(handle sector.ClientHandle, msg any) error
	Disconnect(handle sector.ClientHandle)
}

// Event is one control-plane transition the admin event stream
// surfaces to operator tooling: a sector's AssignmentState changing,
// or a shard joining/dropping. It carries no per-entity simulation
// state.
type Event struct {
	Type    string         `json:"type"`
	Sector  *sector.Sector `json:"sector,omitempty"`
	ShardID string         `json:"shard_id,omitempty"`
	At      time.Time      `json:"at"`
}

// EventSink receives Events as they happen. The admin websocket
// handler is the only implementation; it's defined here (not in the
// admin package) so the orchestrator doesn't import admin's gin/ws
// dependencies just to publish events.
type EventSink interface {
	Publish(evt Event)
}

// unassignReason distinguishes why a sector was asked to unload, so
// SectorRemoved knows whether to re-place it immediately (rebalance)
// or leave it Unloaded (deactivation).
type unassignReason int

const (
	reasonDeactivation unassignReason = iota
	reasonRebalance
)

// spawnKey identifies one in-flight SpawnEntity awaiting its
// EntitySpawnAck.
type spawnKey struct {
	Dest     sector.Sector
	EntityID uint64
}

type pendingSpawn struct {
	OriginShard sector.ShardId
}

// Orchestrator dispatches inbound transport.Events, runs the periodic
// rebalance and deactivation sweeps, and owns every piece of state
// those operations touch beyond the Registry and Sector Map
// themselves.
type Orchestrator struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	registry    *registry.Registry
	sectors     *sector.Map
	transitions *transition.Queues
	store       persistence.Store
	sender      Sender

	snapshotEntities map[sector.Sector][]persistence.EntityRecord
	emptySince       map[sector.Sector]time.Time
	unassignReasons  map[sector.Sector]unassignReason
	pendingSpawns    map[spawnKey]pendingSpawn
	loadingWarnedAt  map[sector.Sector]time.Time

	// runCtx bounds background work the event loop hands off (the
	// mark-dirty retry goroutines); Run replaces it with its own ctx.
	runCtx context.Context

	sink EventSink
}

// SetSink attaches the admin event stream publisher. Optional: a nil
// sink (the default) means publish is a no-op.
func (o *Orchestrator) SetSink(sink EventSink) {
	o.sink = sink
}

func (o *Orchestrator) publish(eventType string, s *sector.Sector, shardID string) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(Event{Type: eventType, Sector: s, ShardID: shardID, At: time.Now()})
}

// New builds an Orchestrator. The caller owns construction of the
// shared Registry/Sector Map/transition Queues so tests can inspect
// them directly; Run takes exclusive ownership of mutating them for
// its lifetime.
func New(cfg config.Config, logger *zap.Logger, metricsRegistry *metrics.Registry, reg *registry.Registry, sectors *sector.Map, transitions *transition.Queues, store persistence.Store, sender Sender) *Orchestrator {
	return &Orchestrator{
		cfg:              cfg,
		logger:           logger,
		metrics:          metricsRegistry,
		registry:         reg,
		sectors:          sectors,
		transitions:      transitions,
		store:            store,
		sender:           sender,
		snapshotEntities: make(map[sector.Sector][]persistence.EntityRecord),
		emptySince:       make(map[sector.Sector]time.Time),
		unassignReasons:  make(map[sector.Sector]unassignReason),
		pendingSpawns:    make(map[spawnKey]pendingSpawn),
		loadingWarnedAt:  make(map[sector.Sector]time.Time),
		runCtx:           context.Background(),
	}
}

// LoadSnapshot pulls every persisted entity from the store and groups
// it by sector, ready to be attached to the SectorInitialState sent
// out the first time each sector is assigned. It must be called before
// Run starts processing IdentifyShard frames.
func (o *Orchestrator) LoadSnapshot(ctx context.Context) error {
	return o.store.LoadInitialSnapshot(ctx, func(rec persistence.EntityRecord) error {
		o.snapshotEntities[rec.Sector] = append(o.snapshotEntities[rec.Sector], rec)
		return nil
	})
}

// Run is the orchestrator's event loop: it blocks until ctx is
// cancelled or inbound is closed, processing exactly one event or tick
// at a time so the Registry and Sector Map only ever have one writer.
func (o *Orchestrator) Run(ctx context.Context, inbound <-chan transport.Event) {
	o.runCtx = ctx
	rebalance := time.NewTicker(o.cfg.Sector.RebalanceInterval)
	defer rebalance.Stop()
	deactivation := time.NewTicker(o.cfg.Sector.DeactivationCheckInterval)
	defer deactivation.Stop()

	o.refreshStateMetrics()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case ev, ok := <-inbound:
			if !ok {
				o.shutdown()
				return
			}
			o.handleEvent(ev)
		case <-rebalance.C:
			o.rebalanceSweep()
		case <-deactivation.C:
			o.deactivationSweep()
			o.healthSweep()
		}
	}
}

func (o *Orchestrator) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnect:
		o.handleDisconnect(ev.Handle)
	case transport.EventFrame:
		switch msg := ev.Msg.(type) {
		case wire.IdentifyShard:
			o.handleIdentify(ev.Handle, msg)
		case wire.SectorReady:
			o.handleSectorReady(ev.Handle, msg)
		case wire.SectorRemoved:
			o.handleSectorRemoved(ev.Handle, msg)
		case wire.ShardLoadUpdate:
			o.handleLoadUpdate(ev.Handle, msg)
		case wire.EntityTransitionRequest:
			o.handleTransitionRequest(ev.Handle, msg)
		case wire.EntitySpawnAck:
			o.handleSpawnAck(ev.Handle, msg)
		default:
			o.logger.Warn("unexpected inbound message type", zap.Any("msg", msg))
		}
	}
}

// shutdown sends a best-effort UnassignSector for every Active sector,
// no ACK required, then returns.
func (o *Orchestrator) shutdown() {
	for s, st := range o.sectors.Snapshot() {
		if st.Kind != sector.Active {
			continue
		}
		if info, ok := o.registry.Get(st.Owner); ok {
			_ = o.sender.Send(info.ClientHandle, wire.UnassignSector{Sector: s})
		}
	}
	o.logger.Info("orchestrator shut down")
}

func (o *Orchestrator) handleIdentify(handle sector.ClientHandle, msg wire.IdentifyShard) {
	// A second IdentifyShard on a live connection under a different
	// ShardId means the old identity on this handle is gone; cascade
	// its sectors before the registry silently evicts it, or the map
	// would keep owners the registry no longer knows.
	if prev, ok := o.registry.ByHandle(handle); ok && prev.ShardID != msg.ShardID {
		o.logger.Warn("handle re-identified under a new shard id, dropping previous registration",
			zap.String("old_shard_id", prev.ShardID.String()), zap.String("new_shard_id", msg.ShardID.String()))
		o.handleDisconnect(handle)
	}

	outcome := o.registry.Register(handle, msg.ShardID)
	if outcome == registry.Rejected {
		o.logger.Warn("registry at capacity, rejecting shard", zap.String("shard_id", msg.ShardID.String()))
		if o.metrics != nil {
			o.metrics.ConnRejected.WithLabelValues("registry_full").Inc()
		}
		o.sender.Disconnect(handle)
		return
	}

	var accepted, loading []sector.Sector
	if outcome == registry.Fresh {
		accepted, loading = o.claimDeclared(msg.ShardID, msg.DeclaredSectors)
		if len(accepted) == 0 {
			accepted = placement.InitialAssignment(func(s sector.Sector) bool {
				return o.sectors.Get(s).Kind != sector.Unloaded
			})
			for _, s := range accepted {
				o.sectors.BeginLoading(s, msg.ShardID, time.Now())
				o.registry.AddSector(msg.ShardID, s)
				sc := s
				o.publish("sector_loading", &sc, msg.ShardID.String())
			}
			loading = accepted
		}
		if len(accepted) == 0 {
			o.logger.Warn("no unloaded sectors available for initial assignment", zap.String("shard_id", msg.ShardID.String()))
		}
		o.logger.Info("shard joined", zap.String("shard_id", msg.ShardID.String()), zap.Int("assigned", len(accepted)))
		o.publish("shard_joined", nil, msg.ShardID.String())
	} else {
		// A rejoining shard's declared sectors are cross-checked
		// against current ownership, never trusted unconditionally.
		accepted, loading = o.claimDeclared(msg.ShardID, msg.DeclaredSectors)
		o.logger.Info("shard rejoined", zap.String("shard_id", msg.ShardID.String()), zap.Int("confirmed", len(accepted)))
	}

	if len(accepted) > 0 {
		if err := o.sender.Send(handle, wire.AssignSectors{Sectors: accepted}); err != nil {
			o.logger.Warn("send AssignSectors failed", zap.Error(err))
		}
	}
	// Initial state rides after the assignment but ahead of the
	// SectorReady the shard will answer with, and only for sectors
	// whose persisted snapshot actually has entities to spawn.
	for _, s := range loading {
		o.sendInitialState(handle, s)
	}
	o.refreshStateMetrics()
}

// claimDeclared accepts every sector in declared that is either
// already owned by id or currently Unloaded, beginning loading for the
// latter. Anything owned by a different shard is rejected with a
// warning, per the fresh-shard conflicting-declaration policy reused
// for Rejoined shards. The second return lists the subset that newly
// entered Loading and so still needs its initial state delivered.
func (o *Orchestrator) claimDeclared(id sector.ShardId, declared []sector.Sector) (accepted, loading []sector.Sector) {
	for _, s := range declared {
		st := o.sectors.Get(s)
		switch {
		case st.HasOwner() && st.Owner == id:
			accepted = append(accepted, s)
		case st.Kind == sector.Unloaded:
			if started, _ := o.sectors.BeginLoading(s, id, time.Now()); started {
				o.registry.AddSector(id, s)
				accepted = append(accepted, s)
				loading = append(loading, s)
				sc := s
				o.publish("sector_loading", &sc, id.String())
			}
		default:
			o.logger.Warn("rejecting declared sector owned by another shard",
				zap.String("shard_id", id.String()), zap.Int32("x", s.X), zap.Int32("y", s.Y))
		}
	}
	return accepted, loading
}

func (o *Orchestrator) handleSectorReady(handle sector.ClientHandle, msg wire.SectorReady) {
	info, ok := o.registry.ByHandle(handle)
	if !ok {
		return
	}
	if !o.sectors.MarkReady(msg.Sector, info.ShardID) {
		o.logger.Warn("mismatched SectorReady ACK", zap.Int32("x", msg.Sector.X), zap.Int32("y", msg.Sector.Y), zap.String("shard_id", info.ShardID.String()))
		return
	}
	delete(o.loadingWarnedAt, msg.Sector)
	o.publish("sector_active", &msg.Sector, info.ShardID.String())

	for _, pending := range o.transitions.Drain(msg.Sector) {
		o.resolveForward(pending.Origin, info.ShardID, msg.Sector, pending.Request)
	}
	o.refreshStateMetrics()
}

// sendInitialState delivers the persisted entities for a sector that
// just entered Loading. Sectors with no persisted entities get no
// frame at all; the shard treats the sector as empty.
func (o *Orchestrator) sendInitialState(handle sector.ClientHandle, s sector.Sector) {
	records, ok := o.snapshotEntities[s]
	if !ok {
		return
	}
	delete(o.snapshotEntities, s)
	blob := encodeSectorEntities(records)
	if err := o.sender.Send(handle, wire.SectorInitialState{Sector: s, Entities: blob}); err != nil {
		o.logger.Warn("send SectorInitialState failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleSectorRemoved(handle sector.ClientHandle, msg wire.SectorRemoved) {
	info, ok := o.registry.ByHandle(handle)
	if !ok {
		return
	}
	if !o.sectors.MarkRemoved(msg.Sector, info.ShardID) {
		o.logger.Warn("mismatched SectorRemoved ACK", zap.Int32("x", msg.Sector.X), zap.Int32("y", msg.Sector.Y), zap.String("shard_id", info.ShardID.String()))
		return
	}
	o.registry.RemoveSector(info.ShardID, msg.Sector)
	delete(o.emptySince, msg.Sector)
	o.publish("sector_unloaded", &msg.Sector, info.ShardID.String())

	reason, hadReason := o.unassignReasons[msg.Sector]
	delete(o.unassignReasons, msg.Sector)

	if !hadReason || reason == reasonDeactivation {
		o.markDirty(msg.Sector)
	}

	if hadReason && reason == reasonRebalance {
		o.tryPlaceSector(msg.Sector)
	}
	// A deactivated sector with handoffs queued against it can't stay
	// Unloaded: entities are waiting to enter, so placement runs again.
	if o.transitions.Len(msg.Sector) > 0 {
		o.tryPlaceSector(msg.Sector)
	}
	o.refreshStateMetrics()
}

func (o *Orchestrator) handleLoadUpdate(handle sector.ClientHandle, msg wire.ShardLoadUpdate) {
	info, ok := o.registry.ByHandle(handle)
	if !ok {
		return
	}
	stats := registry.LoadStats{EntityCount: msg.EntityCount, PlayerCount: msg.PlayerCount}
	o.registry.UpdateLoad(info.ShardID, stats)

	// Telemetry is shard-granular, so sector emptiness is approximated
	// by the shard's whole entity count.
	now := time.Now()
	for s := range info.Sectors {
		if o.sectors.Get(s).Kind != sector.Active {
			continue
		}
		if msg.EntityCount == 0 {
			if _, exists := o.emptySince[s]; !exists {
				o.emptySince[s] = now
			}
		} else {
			delete(o.emptySince, s)
		}
	}
}

func (o *Orchestrator) handleTransitionRequest(handle sector.ClientHandle, msg wire.EntityTransitionRequest) {
	info, ok := o.registry.ByHandle(handle)
	if !ok {
		return
	}
	destState := o.sectors.Get(msg.To)
	outcome := transition.Resolve(msg, info.ShardID, destState.Owner, destState.Kind == sector.Active)

	switch outcome {
	case transition.OutcomeShortCircuit:
		o.acknowledge(info.ShardID, msg.EntityID, msg.To)
	case transition.OutcomeForward:
		o.resolveForward(info.ShardID, destState.Owner, msg.To, msg)
	case transition.OutcomeQueued:
		o.queueTransition(msg, info.ShardID)
		// Drive the destination through activation if nothing has yet:
		// Loading/Unloading sectors are already on their way, but an
		// Unloaded one needs placement before SectorReady can ever come.
		if destState.Kind == sector.Unloaded {
			o.tryPlaceSector(msg.To)
		}
	}
}

// resolveForward completes a transition whose destination is live:
// either the entity is short-circuited back to origin (origin already
// owns the destination) or forwarded to the destination's owner as a
// SpawnEntity, pending its EntitySpawnAck.
func (o *Orchestrator) resolveForward(origin, destOwner sector.ShardId, dest sector.Sector, req wire.EntityTransitionRequest) {
	if destOwner == origin {
		o.acknowledge(origin, req.EntityID, dest)
		return
	}
	destInfo, ok := o.registry.Get(destOwner)
	if !ok {
		// Destination owner vanished between the FSM check and now;
		// treat as queued so the next SectorReady/placement resolves it.
		o.queueTransition(req, origin)
		return
	}
	o.pendingSpawns[spawnKey{Dest: dest, EntityID: req.EntityID}] = pendingSpawn{OriginShard: origin}
	err := o.sender.Send(destInfo.ClientHandle, wire.SpawnEntity{
		Sector:   dest,
		EntityID: req.EntityID,
		Position: req.Position,
		Velocity: req.Velocity,
		Blob:     req.Blob,
	})
	if err != nil {
		o.logger.Warn("send SpawnEntity failed", zap.Error(err))
	}
}

func (o *Orchestrator) queueTransition(req wire.EntityTransitionRequest, origin sector.ShardId) {
	drop := o.transitions.Enqueue(req.To, transition.Pending{Request: req, Origin: origin})
	if drop.Dropped {
		if o.metrics != nil {
			o.metrics.TransitionDropped.Inc()
		}
		o.logger.Warn("transition queue overflow, dropped oldest", zap.Uint64("entity_id", drop.EntityID))
	} else if o.metrics != nil {
		o.metrics.TransitionQueued.Inc()
	}
}

func (o *Orchestrator) acknowledge(origin sector.ShardId, entityID uint64, dest sector.Sector) {
	info, ok := o.registry.Get(origin)
	if !ok {
		return
	}
	if err := o.sender.Send(info.ClientHandle, wire.AcknowledgeTransition{EntityID: entityID, Destination: dest}); err != nil {
		o.logger.Warn("send AcknowledgeTransition failed", zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.TransitionAcked.Inc()
	}
}

func (o *Orchestrator) handleSpawnAck(handle sector.ClientHandle, msg wire.EntitySpawnAck) {
	info, ok := o.registry.ByHandle(handle)
	if !ok {
		return
	}

	var foundKey spawnKey
	var found pendingSpawn
	matched := false
	for k, p := range o.pendingSpawns {
		if k.EntityID != msg.EntityID {
			continue
		}
		if owner, hasOwner := o.sectors.Owner(k.Dest); hasOwner && owner == info.ShardID {
			foundKey, found, matched = k, p, true
			break
		}
	}
	if !matched {
		o.logger.Warn("EntitySpawnAck with no matching pending transition", zap.Uint64("entity_id", msg.EntityID))
		return
	}
	delete(o.pendingSpawns, foundKey)
	o.acknowledge(found.OriginShard, msg.EntityID, foundKey.Dest)
}

func (o *Orchestrator) handleDisconnect(handle sector.ClientHandle) {
	id, owned, ok := o.registry.DropByHandle(handle)
	if !ok {
		return
	}

	ownedSet := make(map[sector.Sector]struct{}, len(owned))
	for _, s := range owned {
		ownedSet[s] = struct{}{}
	}

	// Every owned sector jumps straight to Unloaded; the shard cannot
	// ACK a graceful release. Re-placement waits for the next shard
	// join rather than piling the dead shard's whole footprint onto
	// whoever is left.
	for _, s := range owned {
		o.sectors.ForceUnload(s)
		delete(o.emptySince, s)
		delete(o.unassignReasons, s)
		delete(o.loadingWarnedAt, s)
		o.publish("sector_unloaded", &s, id.String())
	}

	// Transitions queued toward a sector this shard was activating are
	// cancelled outright: the SectorReady they were waiting on will
	// never arrive, and the origin shards keep their entities.
	for _, s := range owned {
		if dropped := o.transitions.Drain(s); len(dropped) > 0 {
			o.logger.Warn("cancelled transitions pending on disconnected shard's sector",
				zap.Int32("x", s.X), zap.Int32("y", s.Y), zap.Int("count", len(dropped)))
			if o.metrics != nil {
				o.metrics.TransitionDropped.Add(float64(len(dropped)))
			}
		}
	}

	// Any SpawnEntity in flight toward one of this shard's now-gone
	// sectors will never be acknowledged; the origin keeps the entity,
	// so just drop the bookkeeping.
	for k := range o.pendingSpawns {
		if _, wasOwned := ownedSet[k.Dest]; wasOwned {
			delete(o.pendingSpawns, k)
			if o.metrics != nil {
				o.metrics.TransitionDropped.Inc()
			}
		}
	}

	// Cancel every transition this shard originated but hadn't yet had
	// acknowledged, wherever it's still queued.
	for _, dest := range o.transitions.Destinations() {
		removed := o.transitions.CancelForOrigin(dest, id)
		if o.metrics != nil && len(removed) > 0 {
			o.metrics.TransitionDropped.Add(float64(len(removed)))
		}
	}

	o.logger.Info("shard disconnected", zap.String("shard_id", id.String()), zap.Int("released_sectors", len(owned)))
	o.publish("shard_dropped", nil, id.String())
	o.refreshStateMetrics()
}

// tryPlaceSector attempts to place an Unloaded sector with the best
// available shard. It is the shared path for post-rebalance
// re-assignment and for activating a sector that queued entity
// transitions are waiting on.
func (o *Orchestrator) tryPlaceSector(s sector.Sector) bool {
	if o.sectors.Get(s).Kind != sector.Unloaded {
		return false
	}
	snap := o.registry.Snapshot()
	candidates := buildCandidates(snap)
	chosen, ok := placement.Pick(candidates, s, o.cfg.Placement.PlayerWeight)
	if !ok {
		o.logger.Warn("placement unsatisfiable, no shards available", zap.Int32("x", s.X), zap.Int32("y", s.Y))
		return false
	}
	started, _ := o.sectors.BeginLoading(s, chosen, time.Now())
	if !started {
		return false
	}
	o.registry.AddSector(chosen, s)
	info, ok := o.registry.Get(chosen)
	if !ok {
		return false
	}
	if err := o.sender.Send(info.ClientHandle, wire.AssignSectors{Sectors: []sector.Sector{s}}); err != nil {
		o.logger.Warn("send AssignSectors failed", zap.Error(err))
	}
	o.sendInitialState(info.ClientHandle, s)
	o.publish("sector_loading", &s, chosen.String())
	return true
}

func buildCandidates(snap map[sector.ShardId]registry.ShardInfo) []placement.Candidate {
	out := make([]placement.Candidate, 0, len(snap))
	for id, info := range snap {
		out = append(out, placement.Candidate{ShardID: id, Load: info.Load, Sectors: info.Sectors})
	}
	return out
}

// markDirty hands the dirty marker to persistence off the event loop:
// the retry wrapper backs off exponentially on failure and gives up
// only when the orchestrator itself shuts down.
func (o *Orchestrator) markDirty(s sector.Sector) {
	now := time.Now()
	ctx := o.runCtx
	go persistence.RetryMarkSectorDirty(ctx, o.store, s, now, func(err error, attempt int) {
		if o.metrics != nil {
			o.metrics.PersistenceErrors.WithLabelValues("mark_sector_dirty").Inc()
		}
		o.logger.Warn("persistence mark-dirty failed, backing off",
			zap.Int32("x", s.X), zap.Int32("y", s.Y), zap.Int("attempt", attempt), zap.Error(err))
	})
}

func (o *Orchestrator) refreshStateMetrics() {
	if o.metrics == nil {
		return
	}
	o.metrics.ShardsConnected.Set(float64(o.registry.Len()))

	counts := map[sector.Kind]int{}
	for _, st := range o.sectors.Snapshot() {
		counts[st.Kind]++
	}
	o.metrics.SectorsByState.WithLabelValues(sector.Loading.String()).Set(float64(counts[sector.Loading]))
	o.metrics.SectorsByState.WithLabelValues(sector.Active.String()).Set(float64(counts[sector.Active]))
	o.metrics.SectorsByState.WithLabelValues(sector.Unloading.String()).Set(float64(counts[sector.Unloading]))
}

// Snapshot returns the current Registry and Sector Map point-in-time
// views, for the admin HTTP/websocket surface. Both underlying
// Snapshot calls take only their own read lock, never the
// orchestrator's event loop.
func (o *Orchestrator) Snapshot() (map[sector.Sector]sector.AssignmentState, map[sector.ShardId]registry.ShardInfo) {
	return o.sectors.Snapshot(), o.registry.Snapshot()
}

// OwnerOf reports which shard, if any, currently owns s. The
// game-client replication layer uses it to route sector state.
func (o *Orchestrator) OwnerOf(s sector.Sector) (sector.ShardId, bool) {
	return o.sectors.Owner(s)
}

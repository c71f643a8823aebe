package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"sectorfab/internal/placement"
	"sectorfab/internal/sector"
	"sectorfab/internal/wire"
)

// rebalanceSweep migrates load away from hot shards: any shard whose
// load score exceeds load_threshold gives up to MaxEdgeSectorsPerSweep
// edge sectors, each re-placed once its SectorRemoved arrives. The
// configured player_weight governs both the overload classification
// and the target-selection scoring.
func (o *Orchestrator) rebalanceSweep() {
	if o.registry.Len() < 2 {
		return
	}
	snap := o.registry.Snapshot()
	candidates := buildCandidates(snap)
	weight := o.cfg.Placement.PlayerWeight
	threshold := o.cfg.Placement.LoadThreshold

	for id, info := range snap {
		if !placement.Overloaded(info.Load, weight, threshold) {
			continue
		}
		for _, s := range placement.EdgeSectors(info.Sectors) {
			st := o.sectors.Get(s)
			if st.Kind != sector.Active || st.Owner != id {
				continue
			}
			target, ok := placement.Pick(candidates, s, weight)
			if !ok || target == id {
				continue
			}
			owner, began := o.sectors.BeginUnloading(s, time.Now())
			if !began {
				continue
			}
			o.unassignReasons[s] = reasonRebalance
			delete(o.emptySince, s)

			ownerInfo, ok := o.registry.Get(owner)
			if !ok {
				continue
			}
			if err := o.sender.Send(ownerInfo.ClientHandle, wire.UnassignSector{Sector: s}); err != nil {
				o.logger.Warn("send UnassignSector failed", zap.Error(err))
				continue
			}
			o.publish("sector_unloading", &s, owner.String())
			if o.metrics != nil {
				o.metrics.RebalanceMoves.Inc()
			}
		}
	}
	o.refreshStateMetrics()
}

// deactivationSweep asks sectors empty for at least
// deactivation_timeout to unload.
func (o *Orchestrator) deactivationSweep() {
	now := time.Now()
	empties := make([]placement.EmptySince, 0, len(o.emptySince))
	for s, since := range o.emptySince {
		empties = append(empties, placement.EmptySince{Sector: s, Since: since})
	}

	for _, s := range deactivationCandidates(empties, now, o.cfg.Sector.DeactivationTimeout) {
		owner, began := o.sectors.BeginUnloading(s, now)
		if !began {
			continue
		}
		o.unassignReasons[s] = reasonDeactivation
		delete(o.emptySince, s)

		info, ok := o.registry.Get(owner)
		if !ok {
			continue
		}
		if err := o.sender.Send(info.ClientHandle, wire.UnassignSector{Sector: s}); err != nil {
			o.logger.Warn("send UnassignSector failed", zap.Error(err))
			continue
		}
		o.publish("sector_unloading", &s, owner.String())
	}
	if o.metrics != nil {
		o.metrics.DeactivationRuns.Inc()
	}
	o.refreshStateMetrics()
}

// deactivationCandidates re-applies placement.DeactivationCandidates'
// threshold test using the configured deactivation_timeout rather than
// the package's fixed default, so operators can tune it without
// touching the pure, separately-tested placement package.
func deactivationCandidates(empties []placement.EmptySince, now time.Time, timeout time.Duration) []sector.Sector {
	if timeout <= 0 {
		timeout = placement.DeactivationTimeout
	}
	out := make([]sector.Sector, 0, len(empties))
	for _, e := range empties {
		if now.Sub(e.Since) >= timeout {
			out = append(out, e.Sector)
		}
	}
	return out
}

// healthSweep is warn-only: a sector stuck in Loading past
// loading_stuck_timeout, or a shard whose ShardLoadUpdate has gone
// stale past load_stale_timeout, is logged but never forced into a
// different state.
func (o *Orchestrator) healthSweep() {
	now := time.Now()

	for s, st := range o.sectors.Snapshot() {
		if st.Kind != sector.Loading {
			continue
		}
		if now.Sub(st.Since) < o.cfg.Sector.LoadingStuckTimeout {
			continue
		}
		if last, warned := o.loadingWarnedAt[s]; warned && now.Sub(last) < o.cfg.Sector.LoadingStuckTimeout {
			continue
		}
		o.loadingWarnedAt[s] = now
		o.logger.Warn("sector stuck in Loading", zap.Int32("x", s.X), zap.Int32("y", s.Y), zap.String("owner", st.Owner.String()))
	}

	for id, info := range o.registry.Snapshot() {
		if info.LastLoadUpdate.IsZero() {
			continue
		}
		if now.Sub(info.LastLoadUpdate) >= o.cfg.Sector.LoadStaleTimeout {
			o.logger.Warn("shard load update stale", zap.String("shard_id", id.String()), zap.Duration("age", now.Sub(info.LastLoadUpdate)))
		}
	}
}

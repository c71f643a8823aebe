// Package placement implements the pure scoring and selection
// functions the orchestrator uses to decide which shard should own a
// sector: load scoring, proximity scoring, the argmin placement
// picker, initial-assignment scanning, and the rebalance/deactivation
// candidate selection run on each periodic sweep.
package placement

import (
	"sort"
	"time"

	"sectorfab/internal/registry"
	"sectorfab/internal/sector"
)

// PlayerWeight is the default load-score multiplier applied to
// player_count when the caller supplies no configured weight.
const PlayerWeight = 10

// OverloadThreshold is the default load score above which a shard is
// classified overloaded during a rebalance sweep.
const OverloadThreshold = 100

// MaxEdgeSectorsPerSweep bounds how many edge sectors a single
// overloaded shard will be asked to give up in one rebalance sweep.
const MaxEdgeSectorsPerSweep = 2

// MaxInitialAssignment is the cap on sectors granted to a fresh shard
// that declared none of its own.
const MaxInitialAssignment = 4

// InitialScanRadius bounds the widening search box used for initial
// assignment: x, y in [-InitialScanRadius, InitialScanRadius].
const InitialScanRadius = 5

const (
	disjointPenalty     = 10
	contiguityWeight    = 10
	unregisteredPenalty = 100
)

// LoadScore returns a shard's scalar load score under the given
// player_count weight. A non-positive weight falls back to
// PlayerWeight.
func LoadScore(load registry.LoadStats, playerWeight int) int {
	if playerWeight <= 0 {
		playerWeight = PlayerWeight
	}
	return int(load.Score(uint32(playerWeight)))
}

// ProximityScore returns shard o's proximity score for sector s, given
// the set of sectors o currently owns. registered must be false when o
// isn't a known registry entry at all (the defensive +100 case).
func ProximityScore(ownedByO map[sector.Sector]struct{}, s sector.Sector, registered bool) int {
	if !registered {
		return unregisteredPenalty
	}
	k := 0
	for _, adj := range s.Adjacent4() {
		if _, ok := ownedByO[adj]; ok {
			k++
		}
	}
	if k > 0 {
		return -contiguityWeight * k
	}
	return disjointPenalty
}

// Candidate is one registered shard as seen by the placement picker.
type Candidate struct {
	ShardID sector.ShardId
	Load    registry.LoadStats
	Sectors map[sector.Sector]struct{}
}

// Pick selects the best shard to own s among candidates, by
// argmin(load_score + proximity_score) with load scored under
// playerWeight, breaking ties by the shard id's natural ordering.
// Returns false if candidates is empty.
func Pick(candidates []Candidate, s sector.Sector, playerWeight int) (sector.ShardId, bool) {
	if len(candidates) == 0 {
		return sector.ShardId{}, false
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ShardID.String() < ordered[j].ShardID.String()
	})

	bestIdx := 0
	bestScore := LoadScore(ordered[0].Load, playerWeight) + ProximityScore(ordered[0].Sectors, s, true)
	for i := 1; i < len(ordered); i++ {
		score := LoadScore(ordered[i].Load, playerWeight) + ProximityScore(ordered[i].Sectors, s, true)
		if score < bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return ordered[bestIdx].ShardID, true
}

// InitialScanOrder yields the fixed sector scan order used for initial
// assignment: (0,0), (0,1), (1,0), (1,1), then widening outward into
// the [-InitialScanRadius, InitialScanRadius] box.
func InitialScanOrder() []sector.Sector {
	seed := []sector.Sector{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 0}, {X: 1, Y: 1}}
	seen := make(map[sector.Sector]struct{}, len(seed))
	out := make([]sector.Sector, 0, (2*InitialScanRadius+1)*(2*InitialScanRadius+1))

	for _, s := range seed {
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for radius := int32(1); radius <= InitialScanRadius; radius++ {
		for x := -radius; x <= radius; x++ {
			for y := -radius; y <= radius; y++ {
				if x > -radius && x < radius && y > -radius && y < radius {
					continue
				}
				s := sector.Sector{X: x, Y: y}
				if _, ok := seen[s]; ok {
					continue
				}
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	return out
}

// InitialAssignment picks up to MaxInitialAssignment sectors for a
// fresh shard that declared none, scanning InitialScanOrder and
// skipping anything unavailable reports as non-Unloaded.
func InitialAssignment(unavailable func(sector.Sector) bool) []sector.Sector {
	out := make([]sector.Sector, 0, MaxInitialAssignment)
	for _, s := range InitialScanOrder() {
		if len(out) >= MaxInitialAssignment {
			break
		}
		if unavailable(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Overloaded reports whether a shard's load score under playerWeight
// exceeds threshold. A non-positive threshold falls back to
// OverloadThreshold.
func Overloaded(load registry.LoadStats, playerWeight, threshold int) bool {
	if threshold <= 0 {
		threshold = OverloadThreshold
	}
	return LoadScore(load, playerWeight) > threshold
}

// EdgeSectors returns up to MaxEdgeSectorsPerSweep sectors from owned
// that have fewer than 4 of their 4-adjacent neighbours also in owned,
// in a deterministic order (sorted by Sector's natural (X,Y) order).
func EdgeSectors(owned map[sector.Sector]struct{}) []sector.Sector {
	candidates := make([]sector.Sector, 0, len(owned))
	for s := range owned {
		n := 0
		for _, adj := range s.Adjacent4() {
			if _, ok := owned[adj]; ok {
				n++
			}
		}
		if n < 4 {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].X != candidates[j].X {
			return candidates[i].X < candidates[j].X
		}
		return candidates[i].Y < candidates[j].Y
	})
	if len(candidates) > MaxEdgeSectorsPerSweep {
		candidates = candidates[:MaxEdgeSectorsPerSweep]
	}
	return candidates
}

// EmptySince tracks how long a sector has reported zero significant
// entities, for the deactivation sweep.
type EmptySince struct {
	Sector sector.Sector
	Since  time.Time
}

// DeactivationTimeout is how long a sector may remain empty before the
// deactivation sweep releases it (deactivation_timeout).
const DeactivationTimeout = 300 * time.Second

// DeactivationCandidates returns the sectors from empties whose
// empty-since age is at least DeactivationTimeout as of now.
func DeactivationCandidates(empties []EmptySince, now time.Time) []sector.Sector {
	out := make([]sector.Sector, 0, len(empties))
	for _, e := range empties {
		if now.Sub(e.Since) >= DeactivationTimeout {
			out = append(out, e.Sector)
		}
	}
	return out
}

package placement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sectorfab/internal/registry"
	"sectorfab/internal/sector"
)

func TestProximityScoreAllNeighboursOwned(t *testing.T) {
	s := sector.Sector{X: 0, Y: 0}
	owned := map[sector.Sector]struct{}{}
	for _, adj := range s.Adjacent4() {
		owned[adj] = struct{}{}
	}
	assert.Equal(t, -40, ProximityScore(owned, s, true))
}

func TestProximityScoreNoNeighboursOwned(t *testing.T) {
	s := sector.Sector{X: 0, Y: 0}
	owned := map[sector.Sector]struct{}{{X: 10, Y: 10}: {}}
	assert.Equal(t, 10, ProximityScore(owned, s, true))
}

func TestProximityScoreUnregisteredIsLargePenalty(t *testing.T) {
	assert.Equal(t, 100, ProximityScore(nil, sector.Sector{X: 0, Y: 0}, false))
}

func TestLoadScore(t *testing.T) {
	got := LoadScore(registry.LoadStats{EntityCount: 40, PlayerCount: 6}, PlayerWeight)
	assert.Equal(t, 100, got)
}

func TestLoadScoreConfiguredWeight(t *testing.T) {
	stats := registry.LoadStats{EntityCount: 40, PlayerCount: 6}
	assert.Equal(t, 160, LoadScore(stats, 20))
	// A non-positive weight falls back to the default.
	assert.Equal(t, 100, LoadScore(stats, 0))
}

func TestPickNoShardsReturnsFalse(t *testing.T) {
	_, ok := Pick(nil, sector.Sector{X: 0, Y: 0}, PlayerWeight)
	assert.False(t, ok)
}

func TestPickPrefersLowerCombinedScore(t *testing.T) {
	loaded := Candidate{ShardID: uuid.New(), Load: registry.LoadStats{EntityCount: 120}}
	idle := Candidate{ShardID: uuid.New(), Load: registry.LoadStats{}}

	got, ok := Pick([]Candidate{loaded, idle}, sector.Sector{X: 0, Y: 0}, PlayerWeight)
	require.True(t, ok)
	assert.Equal(t, idle.ShardID, got)
}

func TestPickHonorsConfiguredPlayerWeight(t *testing.T) {
	// Under the default weight the player-heavy shard scores 10+10=20
	// versus 25+10=35 and wins; weighting players at 30 flips it.
	playerHeavy := Candidate{ShardID: uuid.New(), Load: registry.LoadStats{PlayerCount: 1}}
	entityHeavy := Candidate{ShardID: uuid.New(), Load: registry.LoadStats{EntityCount: 25}}

	got, ok := Pick([]Candidate{playerHeavy, entityHeavy}, sector.Sector{X: 0, Y: 0}, PlayerWeight)
	require.True(t, ok)
	assert.Equal(t, playerHeavy.ShardID, got)

	got, ok = Pick([]Candidate{playerHeavy, entityHeavy}, sector.Sector{X: 0, Y: 0}, 30)
	require.True(t, ok)
	assert.Equal(t, entityHeavy.ShardID, got)
}

func TestPickPrefersContiguity(t *testing.T) {
	s := sector.Sector{X: 1, Y: 0}
	neighbour := Candidate{
		ShardID: uuid.New(),
		Load:    registry.LoadStats{EntityCount: 5},
		Sectors: map[sector.Sector]struct{}{{X: 0, Y: 0}: {}},
	}
	distant := Candidate{
		ShardID: uuid.New(),
		Load:    registry.LoadStats{},
		Sectors: map[sector.Sector]struct{}{{X: 9, Y: 9}: {}},
	}

	got, ok := Pick([]Candidate{neighbour, distant}, s, PlayerWeight)
	require.True(t, ok)
	assert.Equal(t, neighbour.ShardID, got)
}

func TestPickTieBreaksByShardIDOrdering(t *testing.T) {
	var low, high uuid.UUID
	for {
		low, high = uuid.New(), uuid.New()
		if low.String() != high.String() {
			if low.String() > high.String() {
				low, high = high, low
			}
			break
		}
	}
	a := Candidate{ShardID: low}
	b := Candidate{ShardID: high}

	got, ok := Pick([]Candidate{b, a}, sector.Sector{X: 0, Y: 0}, PlayerWeight)
	require.True(t, ok)
	assert.Equal(t, low, got)
}

func TestInitialScanOrderStartsWithSeedSequence(t *testing.T) {
	order := InitialScanOrder()
	require.True(t, len(order) >= 4)
	assert.Equal(t, []sector.Sector{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 0}, {X: 1, Y: 1}}, order[:4])
}

func TestInitialScanOrderCoversBox(t *testing.T) {
	order := InitialScanOrder()
	seen := make(map[sector.Sector]bool, len(order))
	for _, s := range order {
		seen[s] = true
	}
	for x := int32(-InitialScanRadius); x <= InitialScanRadius; x++ {
		for y := int32(-InitialScanRadius); y <= InitialScanRadius; y++ {
			assert.True(t, seen[sector.Sector{X: x, Y: y}], "missing %v", sector.Sector{X: x, Y: y})
		}
	}
}

func TestInitialAssignmentSkipsUnavailable(t *testing.T) {
	unavailable := map[sector.Sector]bool{{X: 0, Y: 0}: true}
	got := InitialAssignment(func(s sector.Sector) bool { return unavailable[s] })
	require.Len(t, got, MaxInitialAssignment)
	assert.NotContains(t, got, sector.Sector{X: 0, Y: 0})
}

func TestInitialAssignmentNoneAvailable(t *testing.T) {
	got := InitialAssignment(func(sector.Sector) bool { return true })
	assert.Empty(t, got)
}

func TestOverloaded(t *testing.T) {
	assert.True(t, Overloaded(registry.LoadStats{EntityCount: 120}, PlayerWeight, OverloadThreshold))
	assert.False(t, Overloaded(registry.LoadStats{EntityCount: 100}, PlayerWeight, OverloadThreshold))
	// Configured weight and threshold both govern the classification.
	assert.True(t, Overloaded(registry.LoadStats{PlayerCount: 4}, 30, OverloadThreshold))
	assert.False(t, Overloaded(registry.LoadStats{EntityCount: 120}, PlayerWeight, 200))
}

func TestEdgeSectorsStripAllQualify(t *testing.T) {
	owned := map[sector.Sector]struct{}{
		{X: 0, Y: 0}: {}, {X: 0, Y: 1}: {}, {X: 0, Y: 2}: {}, {X: 0, Y: 3}: {},
	}
	got := EdgeSectors(owned)
	assert.Len(t, got, MaxEdgeSectorsPerSweep)
}

func TestDeactivationCandidatesRespectsTimeout(t *testing.T) {
	now := time.Now()
	empties := []EmptySince{
		{Sector: sector.Sector{X: 5, Y: 5}, Since: now.Add(-305 * time.Second)},
		{Sector: sector.Sector{X: 6, Y: 6}, Since: now.Add(-10 * time.Second)},
	}
	got := DeactivationCandidates(empties, now)
	assert.Equal(t, []sector.Sector{{X: 5, Y: 5}}, got)
}

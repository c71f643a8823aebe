// Package sector defines the world-space grid and the per-sector
// ownership state machine described by the replication control plane.
package sector

import "math"

// DefaultSize is the width and height, in world units, of one sector
// square when no sector_size is configured.
const DefaultSize = 1000.0

// Size is the active sector edge length FromWorld divides by. main
// overwrites it from the sector_size configuration option before any
// shard connections are accepted; it must not change afterwards.
var Size float64 = DefaultSize

// SetSize installs the configured sector edge length. Non-positive
// values are ignored and the current size is kept.
func SetSize(size float64) {
	if size > 0 {
		Size = size
	}
}

// Sector names one Size x Size unit square of the world plane
// (1000x1000 by default).
type Sector struct {
	X, Y int32
}

// FromWorld maps a world position to the sector that contains it,
// using arithmetic (not truncating) floor division so negative
// coordinates map to negative sectors.
func FromWorld(wx, wy float64) Sector {
	return Sector{
		X: int32(math.Floor(wx / Size)),
		Y: int32(math.Floor(wy / Size)),
	}
}

// Adjacent4 returns the four sectors orthogonally adjacent to s
// (north, south, east, west) -- never diagonals.
func (s Sector) Adjacent4() [4]Sector {
	return [4]Sector{
		{s.X - 1, s.Y},
		{s.X + 1, s.Y},
		{s.X, s.Y - 1},
		{s.X, s.Y + 1},
	}
}

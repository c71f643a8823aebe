package sector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromWorldBoundaries(t *testing.T) {
	cases := []struct {
		wx, wy float64
		want   Sector
	}{
		{-0.1, 0.0, Sector{-1, 0}},
		{0.0, 0.0, Sector{0, 0}},
		{999.999, 1000.0, Sector{0, 1}},
		{-1000.0, -1000.0, Sector{-1, -1}},
		{-1000.1, 0, Sector{-2, 0}},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, FromWorld(c.wx, c.wy))
	}
}

func TestFromWorldHonorsConfiguredSize(t *testing.T) {
	SetSize(500)
	defer SetSize(DefaultSize)

	assert.Equal(t, Sector{1, -1}, FromWorld(500.0, -0.1))
	assert.Equal(t, Sector{0, 2}, FromWorld(499.999, 1000.0))
}

func TestSetSizeIgnoresNonPositive(t *testing.T) {
	SetSize(0)
	assert.Equal(t, float64(DefaultSize), Size)
	SetSize(-5)
	assert.Equal(t, float64(DefaultSize), Size)
}

func TestAdjacent4(t *testing.T) {
	s := Sector{X: 5, Y: 5}
	adj := s.Adjacent4()
	assert.ElementsMatch(t, []Sector{{4, 5}, {6, 5}, {5, 4}, {5, 6}}, adj[:])
}

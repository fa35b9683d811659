package grid

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackBitOrder(t *testing.T) {
	const h = 4
	density := make([]float32, 2*h*h*h)
	density[0] = 1    // cascade 0, byte 0, bit 0
	density[3] = 0.5  // cascade 0, byte 0, bit 3
	density[9] = 0.01 // below threshold
	density[h*h*h+7] = 2

	b, err := Pack(density, 2, h, 0.1)
	require.NoError(t, err)
	require.Len(t, b.Bits, 2*h*h*h/8)

	assert.Equal(t, uint8(0b00001001), b.Bits[0])
	assert.Equal(t, uint8(0), b.Bits[1])
	assert.Equal(t, uint8(0b10000000), b.Bits[h*h*h/8])

	assert.True(t, b.Query(0, 0))
	assert.True(t, b.Query(0, 3))
	assert.False(t, b.Query(0, 9))
	assert.True(t, b.Query(1, 7))
	assert.False(t, b.Query(1, 0))
	assert.Equal(t, 3, b.OccupiedCount())
}

func TestPackRejectsBadShapes(t *testing.T) {
	_, err := Pack(make([]float32, 27), 1, 3, 0)
	assert.True(t, errors.Is(err, ErrOddResolution))

	_, err = Pack(make([]float32, 6*6*6), 1, 6, 0)
	assert.True(t, errors.Is(err, ErrOddResolution))

	_, err = Pack(nil, 0, 4, 0)
	assert.True(t, errors.Is(err, ErrCascades))

	_, err = Pack(make([]float32, 10), 1, 4, 0)
	assert.True(t, errors.Is(err, ErrDensitySize))
}

func TestRepackReusesStorage(t *testing.T) {
	b, err := NewBitfield(1, 4)
	require.NoError(t, err)
	bits := b.Bits

	density := make([]float32, 64)
	for i := range density {
		density[i] = 1
	}
	require.NoError(t, b.Repack(density, 0.5))
	assert.Equal(t, 64, b.OccupiedCount())
	assert.InDelta(t, 1.0, b.Occupancy(), 1e-9)
	assert.Same(t, &bits[0], &b.Bits[0])
}

func TestSetAndFill(t *testing.T) {
	b, err := NewBitfield(2, 8)
	require.NoError(t, err)
	b.Set(1, 100, true)
	assert.True(t, b.Query(1, 100))
	assert.False(t, b.Query(0, 100))
	b.Set(1, 100, false)
	assert.Equal(t, 0, b.OccupiedCount())

	b.Fill(true)
	assert.Equal(t, 2*512, b.OccupiedCount())

	c := b.Clone()
	c.Fill(false)
	assert.Equal(t, 2*512, b.OccupiedCount(), "clone must not share storage")
}

func TestMipSelection(t *testing.T) {
	tests := []struct {
		name string
		p    mgl32.Vec3
		want int
	}{
		{"origin", mgl32.Vec3{0, 0, 0}, 0},
		{"inside unit", mgl32.Vec3{0.9, -0.2, 0.1}, 0},
		{"first shell", mgl32.Vec3{1.5, 0, 0}, 1},
		{"second shell", mgl32.Vec3{0, -3, 0}, 2},
		{"clamped to top", mgl32.Vec3{0, 0, 100}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MipFromPos(tt.p, 4))
		})
	}

	// A step spanning several fine cells promotes the lookup to a coarser cascade.
	assert.Equal(t, 0, MipFromDt(0.001, 128, 4))
	assert.Equal(t, 2, MipFromDt(0.04, 128, 4))
}

func TestLookup(t *testing.T) {
	b, err := NewBitfield(2, 4)
	require.NoError(t, err)

	// Cell (3,0,1) of cascade 0 covers x in [0.5,1], y in [-1,-0.5], z in [-0.5,0].
	idx := Morton3D(3, 0, 1)
	b.Set(0, idx, true)

	c := b.Lookup(mgl32.Vec3{0.75, -0.9, -0.25}, 0.01, 2)
	assert.Equal(t, 0, c.Level)
	assert.Equal(t, [3]int{3, 0, 1}, [3]int{c.X, c.Y, c.Z})
	assert.Equal(t, idx, c.Index)
	assert.Equal(t, float32(1), c.MipBound)
	assert.True(t, c.Occupied)

	// Same point in cascade 1 maps to a different, empty cell.
	c = b.Lookup(mgl32.Vec3{1.5, 0, 0}, 0.01, 2)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, float32(2), c.MipBound)
	assert.False(t, c.Occupied)

	// Points on the upper boundary stay inside the grid.
	c = b.Lookup(mgl32.Vec3{1, 1, 1}, 0.01, 1)
	assert.Equal(t, [3]int{3, 3, 3}, [3]int{c.X, c.Y, c.Z})
}

func TestCellExit(t *testing.T) {
	c := Cell{X: 2, Y: 2, Z: 2, MipBound: 1}
	// H=4: cell 2 spans [0, 0.5] on every axis.
	p := mgl32.Vec3{0.1, 0.25, 0.25}
	assert.InDelta(t, 0.4, c.Exit(p, mgl32.Vec3{1, 0, 0}, 4), 1e-6)
	assert.InDelta(t, 0.1, c.Exit(p, mgl32.Vec3{-1, 0, 0}, 4), 1e-6)
	assert.Equal(t, float32(0), c.Exit(p, mgl32.Vec3{0, 0, 0}, 4))
}

func TestCellCenters(t *testing.T) {
	centers := CellCenters(0, 4, 1)
	require.Len(t, centers, 64)
	assert.Equal(t, mgl32.Vec3{-0.75, -0.75, -0.75}, centers[0])
	assert.Equal(t, mgl32.Vec3{-0.25, -0.75, -0.75}, centers[1])
	assert.Equal(t, mgl32.Vec3{0.75, 0.75, 0.75}, centers[63])

	b, err := NewBitfield(2, 4)
	require.NoError(t, err)
	coarse := CellCenters(1, 4, 2)
	for i, p := range coarse {
		c := b.Lookup(p, 0, 2)
		if c.Level == 1 {
			assert.Equal(t, uint32(i), c.Index, "center %d", i)
		}
	}
}

package infer

import (
	"testing"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/bounds"
	"github.com/gekko3d/nerfmarch/rt/composite"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/march"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullGrid(t *testing.T, resolution int) *grid.Bitfield {
	t.Helper()
	b, err := grid.NewBitfield(1, resolution)
	require.NoError(t, err)
	b.Fill(true)
	return b
}

func testRays() batch.Rays {
	return batch.Rays{
		Origins: []mgl32.Vec3{
			{-2, 0, 0}, {2, 0, 0}, {0, 0, 0}, {0, 0.3, -3},
			{-2, -1.5, -1}, {1.5, 0.2, 0.1}, {0, 3, 0.5},
		},
		Directions: []mgl32.Vec3{
			{1, 0, 0}, {1, 0, 0}, {0, 0, 1}, {0, 0, 1},
			mgl32.Vec3{1, 1, 1}.Normalize(), {-1, 0, 0}, mgl32.Vec3{0.1, -1, 0}.Normalize(),
		},
	}
}

// shade is a smooth field: denser towards +x, colour follows position.
func shade(positions []mgl32.Vec3) ([]float32, []mgl32.Vec3) {
	sigmas := make([]float32, len(positions))
	rgbs := make([]mgl32.Vec3, len(positions))
	for i, p := range positions {
		sigmas[i] = 1.5 + p[0]
		rgbs[i] = mgl32.Vec3{(p[0] + 1) / 2, (p[1] + 1) / 2, (p[2] + 1) / 2}
	}
	return sigmas, rgbs
}

func TestEngineMatchesTrainingPath(t *testing.T) {
	rays := testRays()
	nears, fars, _ := bounds.NearFar(rays, bounds.Cube(1), 0.2)
	bf := fullGrid(t, 16)

	samples, segments, _, err := march.Train(rays, nears, fars, bf, march.TrainOptions{Bound: 1, MaxSteps: 128, ForceAllRays: true}, nil)
	require.NoError(t, err)
	sigmas, rgbs := shade(samples.Positions)
	want, _, err := composite.Forward(sigmas, rgbs, samples, segments)
	require.NoError(t, err)

	e, err := NewEngine(rays, nears, fars, bf, EngineOptions{Bound: 1, MaxSteps: 128, Align: 16})
	require.NoError(t, err)
	for !e.Done() {
		chunk, err := e.March()
		require.NoError(t, err)
		sigmas, rgbs := shade(chunk.Positions)
		require.NoError(t, e.Composite(sigmas, rgbs))
		_, err = e.Compact()
		require.NoError(t, err)
	}

	assert.Zero(t, e.Alive())
	got := e.Accumulators()
	for r := 0; r < rays.Len(); r++ {
		assert.InDelta(t, want.WeightsSum[r], got.WeightsSum[r], 1e-4, "ray %d", r)
		assert.InDelta(t, want.Depth[r], got.Depth[r], 1e-3, "ray %d", r)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, want.Image[r][c], got.Image[r][c], 1e-4, "ray %d", r)
		}
		assert.Equal(t, PhaseDead, e.Phase(r))
	}
	assert.Zero(t, got.WeightsSum[1], "ray pointing away from the box")

	_, err = e.March()
	assert.ErrorIs(t, err, ErrFinished)
}

func TestEngineStageOrder(t *testing.T) {
	rays := testRays()
	nears, fars, _ := bounds.NearFar(rays, bounds.Cube(1), 0.2)
	e, err := NewEngine(rays, nears, fars, fullGrid(t, 8), EngineOptions{Bound: 1, MaxSteps: 64})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Composite(nil, nil), ErrStageOrder)
	_, err = e.Compact()
	assert.ErrorIs(t, err, ErrStageOrder)

	chunk, err := e.March()
	require.NoError(t, err)
	assert.Equal(t, rays.Len(), chunk.Len(), "all rays alive gives one step each")
	assert.Equal(t, PhaseMarched, e.Phase(0))

	_, err = e.March()
	assert.ErrorIs(t, err, ErrStageOrder)
	_, err = e.Compact()
	assert.ErrorIs(t, err, ErrStageOrder)

	require.NoError(t, e.Composite(make([]float32, chunk.Len()), make([]mgl32.Vec3, chunk.Len())))
	assert.Equal(t, PhaseComposited, e.Phase(0))
	assert.Equal(t, PhaseDead, e.Phase(1), "a missed ray finishes on its first chunk")

	n, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, rays.Len()-1, n)
	assert.Equal(t, PhaseAlive, e.Phase(0))
	assert.Equal(t, PhaseDead, e.Phase(1))
	assert.Equal(t, 1, e.Iterations())
	assert.Equal(t, 1, e.Steps())
}

func TestEngineChunkGrowsAsRaysDie(t *testing.T) {
	rays := testRays()
	nears, fars, _ := bounds.NearFar(rays, bounds.Cube(1), 0.2)
	e, err := NewEngine(rays, nears, fars, fullGrid(t, 8), EngineOptions{Bound: 1, MaxSteps: 512, MaxChunkSteps: 4})
	require.NoError(t, err)

	for !e.Done() {
		alive := e.Alive()
		chunk, err := e.March()
		require.NoError(t, err)
		nStep := min(max(rays.Len()/alive, 1), 4)
		assert.Equal(t, alive*nStep, chunk.Len())
		require.NoError(t, e.Composite(make([]float32, chunk.Len()), make([]mgl32.Vec3, chunk.Len())))
		_, err = e.Compact()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, e.Steps(), 512+4)
}

func TestEngineStepBudget(t *testing.T) {
	// In a box of half-size 4 the rays need more than three coarse steps.
	rays := testRays()
	nears, fars, _ := bounds.NearFar(rays, bounds.Cube(4), 0.2)
	e, err := NewEngine(rays, nears, fars, fullGrid(t, 8), EngineOptions{Bound: 4, MaxSteps: 3})
	require.NoError(t, err)

	for !e.Done() {
		chunk, err := e.March()
		require.NoError(t, err)
		require.NoError(t, e.Composite(make([]float32, chunk.Len()), make([]mgl32.Vec3, chunk.Len())))
		_, err = e.Compact()
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, e.Steps(), 3)
	assert.Greater(t, e.Alive(), 0, "budget ends the loop before the rays do")
}

func TestNewEngineValidates(t *testing.T) {
	rays := testRays()
	nears, fars, _ := bounds.NearFar(rays, bounds.Cube(1), 0.2)

	_, err := NewEngine(rays, nears[:1], fars, fullGrid(t, 8), EngineOptions{MaxSteps: 8})
	assert.ErrorIs(t, err, batch.ErrLength)
	_, err = NewEngine(rays, nears, fars, nil, EngineOptions{MaxSteps: 8})
	assert.ErrorIs(t, err, march.ErrNoGrid)
	_, err = NewEngine(rays, nears, fars, fullGrid(t, 8), EngineOptions{})
	assert.ErrorIs(t, err, march.ErrMaxSteps)
}

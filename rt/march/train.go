package march

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrNoGrid   = errors.New("march: nil occupancy bitfield")
	ErrMaxSteps = errors.New("march: max steps must be positive")
)

type TrainOptions struct {
	Bound   float32
	DtGamma float32
	// MaxSteps bounds the samples of a single ray and sets the minimal step.
	MaxSteps int
	// Align pads the sample buffer to a multiple of Align; <= 0 disables.
	Align   int
	Perturb bool
	Seed    uint64
	// ForceAllRays ignores the arena estimate and sizes for the worst case,
	// so no ray is ever dropped.
	ForceAllRays bool
}

// Counter is the step counter shared by all rays of a march: total samples
// emitted and rays processed.
type Counter struct {
	points atomic.Int64
	rays   atomic.Int64
}

func (c *Counter) Points() int { return int(c.points.Load()) }
func (c *Counter) Rays() int   { return int(c.rays.Load()) }

// TrainContext is what the backward pass needs from a training march.
type TrainContext struct {
	Segments []batch.Segment
	Ts       []float32
	// Capacity is the buffer size before trimming.
	Capacity int
	// Points is the true number of samples the rays wanted, including those
	// of dropped rays. Feed it back through Arena.Observe.
	Points  int
	Dropped int
}

// Train marches every ray through the occupancy grid and packs the occupied
// samples of all rays into one buffer, grouped per ray by Segments.
//
// The buffer holds N*MaxSteps samples unless the arena has an estimate and
// ForceAllRays is off, in which case it holds the estimate and rays that do
// not fit are dropped (Count 0). Only the worst-case path trims the buffer
// to the samples actually produced.
func Train(rays batch.Rays, nears, fars []float32, bf *grid.Bitfield, opts TrainOptions, arena *Arena) (*batch.Samples, []batch.Segment, *TrainContext, error) {
	if err := rays.Validate(); err != nil {
		return nil, nil, nil, err
	}
	n := rays.Len()
	if len(nears) != n || len(fars) != n {
		return nil, nil, nil, fmt.Errorf("%w: %d rays, %d nears, %d fars", batch.ErrLength, n, len(nears), len(fars))
	}
	if bf == nil {
		return nil, nil, nil, ErrNoGrid
	}
	if opts.MaxSteps <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: got %d", ErrMaxSteps, opts.MaxSteps)
	}

	rule := NewStepRule(opts.Bound, opts.DtGamma, opts.MaxSteps, bf.Cascades, bf.Resolution)

	estimated := !opts.ForceAllRays && arena != nil && arena.MeanCount() > 0
	capacity := batch.RoundUp(n*opts.MaxSteps, opts.Align)
	if estimated {
		capacity = batch.RoundUp(arena.MeanCount(), opts.Align)
	}

	start := func(i int) walker {
		w := newWalker(rule, bf, rays.Origins[i], rays.Directions[i], nears[i], fars[i])
		if opts.Perturb {
			w.jitter(rayRand(opts.Seed, i))
		}
		return w
	}

	// First pass: count.
	var counter Counter
	counts := make([]int32, n)
	par.For(n, func(lo, hi int) {
		var points int64
		for i := lo; i < hi; i++ {
			w := start(i)
			c := 0
			for c < opts.MaxSteps {
				if _, _, _, ok := w.next(); !ok {
					break
				}
				c++
			}
			counts[i] = int32(c)
			points += int64(c)
		}
		counter.points.Add(points)
		counter.rays.Add(int64(hi - lo))
	})

	// Offsets follow ray order so the layout does not depend on scheduling.
	segments := make([]batch.Segment, n)
	offset := 0
	dropped := 0
	for i, c := range counts {
		seg := batch.Segment{RayID: int32(i), Offset: int32(min(offset, capacity)), Count: c}
		if offset+int(c) > capacity {
			seg.Count = 0
			if c > 0 {
				dropped++
			}
		}
		segments[i] = seg
		offset += int(c)
	}

	samples := batch.NewSamples(capacity)

	// Second pass: write.
	par.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			seg := segments[i]
			if seg.Count == 0 {
				continue
			}
			w := start(i)
			last := nears[i]
			d := rays.Directions[i]
			for k := seg.Offset; k < seg.Offset+seg.Count; k++ {
				p, t, dt, ok := w.next()
				if !ok {
					break
				}
				samples.Positions[k] = p
				samples.Directions[k] = d
				samples.Ts[k] = t
				samples.Deltas[k] = batch.Delta{RGB: dt, Depth: w.t - last}
				last = w.t
			}
		}
	})

	if !estimated {
		samples.Trim(batch.RoundUp(counter.Points(), opts.Align))
	}

	ctx := &TrainContext{
		Segments: segments,
		Ts:       samples.Ts,
		Capacity: capacity,
		Points:   counter.Points(),
		Dropped:  dropped,
	}
	return samples, segments, ctx, nil
}

// Backward scatters per-sample gradients back to the rays:
//
//	dOrigin[r]    = sum over r's samples of dPosition
//	dDirection[r] = sum over r's samples of dPosition*t + dDirection
//
// Bound, grid and marching scalars get no gradient. dDirections may be nil.
func (c *TrainContext) Backward(dPositions, dDirections []mgl32.Vec3) (dRayOrigins, dRayDirections []mgl32.Vec3, err error) {
	m := len(c.Ts)
	if len(dPositions) != m || (dDirections != nil && len(dDirections) != m) {
		return nil, nil, fmt.Errorf("%w: %d samples, %d dPositions, %d dDirections", batch.ErrLength, m, len(dPositions), len(dDirections))
	}
	n := len(c.Segments)
	dRayOrigins = make([]mgl32.Vec3, n)
	dRayDirections = make([]mgl32.Vec3, n)

	par.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			seg := c.Segments[i]
			var do, dd mgl32.Vec3
			for k := int(seg.Offset); k < seg.End(); k++ {
				do = do.Add(dPositions[k])
				dd = dd.Add(dPositions[k].Mul(c.Ts[k]))
				if dDirections != nil {
					dd = dd.Add(dDirections[k])
				}
			}
			dRayOrigins[seg.RayID] = do
			dRayDirections[seg.RayID] = dd
		}
	})
	return dRayOrigins, dRayDirections, nil
}

package march

import (
	"errors"
	"fmt"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/par"
)

var ErrAliveRange = errors.New("march: alive count exceeds ray state arrays")

type ChunkOptions struct {
	Bound    float32
	DtGamma  float32
	MaxSteps int
	// Steps is how many samples each alive ray may produce in this chunk.
	Steps   int
	Align   int
	Perturb bool
	Seed    uint64
}

// Chunk advances the first nAlive entries of the alive set by up to
// opts.Steps samples each. Entry k owns slots [k*Steps, (k+1)*Steps) of the
// returned buffer; slots a ray did not fill keep zero deltas, which the
// compositor reads as the end of the ray. ts is read, not updated: the
// compositor moves the rays forward.
func Chunk(alive []int32, ts []float32, nAlive int, rays batch.Rays, fars []float32, bf *grid.Bitfield, opts ChunkOptions) (*batch.Samples, error) {
	if nAlive < 0 || nAlive > len(alive) || nAlive > len(ts) {
		return nil, fmt.Errorf("%w: n_alive %d, %d ids, %d ts", ErrAliveRange, nAlive, len(alive), len(ts))
	}
	if bf == nil {
		return nil, ErrNoGrid
	}
	if opts.MaxSteps <= 0 || opts.Steps <= 0 {
		return nil, fmt.Errorf("%w: max %d, chunk %d", ErrMaxSteps, opts.MaxSteps, opts.Steps)
	}

	rule := NewStepRule(opts.Bound, opts.DtGamma, opts.MaxSteps, bf.Cascades, bf.Resolution)
	samples := batch.NewSamples(batch.RoundUp(nAlive*opts.Steps, opts.Align))

	par.For(nAlive, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			ray := int(alive[k])
			w := newWalker(rule, bf, rays.Origins[ray], rays.Directions[ray], ts[k], fars[ray])
			if opts.Perturb {
				w.jitter(rayRand(opts.Seed, ray))
			}
			last := ts[k]
			d := rays.Directions[ray]
			base := k * opts.Steps
			for s := 0; s < opts.Steps; s++ {
				p, t, dt, ok := w.next()
				if !ok {
					break
				}
				samples.Positions[base+s] = p
				samples.Directions[base+s] = d
				samples.Ts[base+s] = t
				samples.Deltas[base+s] = batch.Delta{RGB: dt, Depth: w.t - last}
				last = w.t
			}
		}
	})
	return samples, nil
}

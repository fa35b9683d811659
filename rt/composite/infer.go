package composite

import (
	"fmt"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

// Accumulate composites one chunk from march.Chunk into acc, continuing from
// the transmittance left by earlier chunks (T = 1 - weightsSum). Entry k of
// the alive set owns chunk slots [k*nStep, (k+1)*nStep).
//
// ts[k] is moved to the end of the last consumed sample. A ray that ran out of
// samples before nStep, or whose transmittance fell below MinTransmittance,
// is marked finished with ts[k] = -1.
func Accumulate(alive []int32, ts []float32, nAlive, nStep int, sigmas []float32, rgbs []mgl32.Vec3, chunk *batch.Samples, acc *Accumulators) error {
	if nAlive < 0 || nAlive > len(alive) || nAlive > len(ts) {
		return fmt.Errorf("%w: n_alive %d, %d ids, %d ts", batch.ErrLength, nAlive, len(alive), len(ts))
	}
	if nStep <= 0 || chunk.Len() < nAlive*nStep {
		return fmt.Errorf("%w: chunk of %d for %d rays x %d steps", batch.ErrLength, chunk.Len(), nAlive, nStep)
	}
	if len(sigmas) != chunk.Len() || len(rgbs) != chunk.Len() {
		return fmt.Errorf("%w: %d slots, %d sigmas, %d rgbs", batch.ErrLength, chunk.Len(), len(sigmas), len(rgbs))
	}

	par.For(nAlive, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			ray := alive[k]
			t := ts[k]
			T := 1 - acc.WeightsSum[ray]
			ws, depth, image := acc.WeightsSum[ray], acc.Depth[ray], acc.Image[ray]

			step := 0
			for ; step < nStep; step++ {
				slot := k*nStep + step
				delta := chunk.Deltas[slot]
				if delta.RGB == 0 {
					break
				}
				a := alpha(sigmas[slot], delta.RGB)
				w := a * T
				t += delta.Depth
				ws += w
				depth += w * chunk.Ts[slot]
				image = image.Add(rgbs[slot].Mul(w))
				T *= 1 - a
				if T < MinTransmittance {
					step++
					break
				}
			}

			acc.WeightsSum[ray], acc.Depth[ray], acc.Image[ray] = ws, depth, image
			if step < nStep || T < MinTransmittance {
				ts[k] = -1
			} else {
				ts[k] = t
			}
		}
	})
	return nil
}

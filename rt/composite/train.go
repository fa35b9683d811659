package composite

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

// MinTransmittance ends a ray once almost nothing behind it can be seen.
const MinTransmittance = 1e-4

var ErrGradLength = errors.New("composite: gradient length does not match ray count")

// Accumulators are the per-ray compositing outputs.
type Accumulators struct {
	WeightsSum []float32
	Depth      []float32
	Image      []mgl32.Vec3
}

func NewAccumulators(n int) *Accumulators {
	return &Accumulators{
		WeightsSum: make([]float32, n),
		Depth:      make([]float32, n),
		Image:      make([]mgl32.Vec3, n),
	}
}

func (a *Accumulators) Len() int {
	return len(a.WeightsSum)
}

// TrainContext keeps the forward inputs and outputs for Backward.
type TrainContext struct {
	sigmas   []float32
	rgbs     []mgl32.Vec3
	deltas   []batch.Delta
	segments []batch.Segment
	acc      *Accumulators
}

func alpha(sigma, dt float32) float32 {
	return 1 - math32.Exp(-sigma*dt)
}

// Forward composites the samples of every segment front to back:
//
//	alpha = 1 - exp(-sigma*dt), w = T*alpha, T *= 1 - alpha
//
// and sums w, w*t and w*rgb per ray. A ray stops once T < MinTransmittance.
// Rays with no samples keep all-zero outputs.
func Forward(sigmas []float32, rgbs []mgl32.Vec3, samples *batch.Samples, segments []batch.Segment) (*Accumulators, *TrainContext, error) {
	m := samples.Len()
	if len(sigmas) != m || len(rgbs) != m {
		return nil, nil, fmt.Errorf("%w: %d samples, %d sigmas, %d rgbs", batch.ErrLength, m, len(sigmas), len(rgbs))
	}
	if err := batch.CheckSegments(segments, m); err != nil {
		return nil, nil, err
	}

	acc := NewAccumulators(len(segments))
	par.For(len(segments), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			seg := segments[i]
			var ws, depth float32
			var image mgl32.Vec3
			T := float32(1)
			for k := int(seg.Offset); k < seg.End(); k++ {
				a := alpha(sigmas[k], samples.Deltas[k].RGB)
				w := T * a
				ws += w
				depth += w * samples.Ts[k]
				image = image.Add(rgbs[k].Mul(w))
				T *= 1 - a
				if T < MinTransmittance {
					break
				}
			}
			acc.WeightsSum[seg.RayID] = ws
			acc.Depth[seg.RayID] = depth
			acc.Image[seg.RayID] = image
		}
	})

	ctx := &TrainContext{
		sigmas:   sigmas,
		rgbs:     rgbs,
		deltas:   samples.Deltas,
		segments: segments,
		acc:      acc,
	}
	return acc, ctx, nil
}

// Backward returns the gradients of sigma and rgb per sample given the
// gradients of the weight sum and image per ray. Samples past the point where
// the forward pass stopped get zero. Depth is not differentiated.
//
//	dSigma_i = dt_i * (dImage . (T_{i+1}*rgb_i - (image - prefix_i)) + dWeightsSum*(1 - weightsSum))
//	dRGB_i   = w_i * dImage
//
// where prefix_i is the image accumulated up to and including sample i.
func (c *TrainContext) Backward(dWeightsSum []float32, dImage []mgl32.Vec3) (dSigmas []float32, dRGBs []mgl32.Vec3, err error) {
	n := len(c.segments)
	if (dWeightsSum != nil && len(dWeightsSum) != n) || (dImage != nil && len(dImage) != n) {
		return nil, nil, fmt.Errorf("%w: %d rays, %d dWeightsSum, %d dImage", ErrGradLength, n, len(dWeightsSum), len(dImage))
	}

	dSigmas = make([]float32, len(c.sigmas))
	dRGBs = make([]mgl32.Vec3, len(c.rgbs))
	par.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			seg := c.segments[i]
			r := seg.RayID
			var gWS float32
			var gImage mgl32.Vec3
			if dWeightsSum != nil {
				gWS = dWeightsSum[r]
			}
			if dImage != nil {
				gImage = dImage[r]
			}
			wsFinal := c.acc.WeightsSum[r]
			imageFinal := c.acc.Image[r]

			var prefix mgl32.Vec3
			T := float32(1)
			for k := int(seg.Offset); k < seg.End(); k++ {
				dt := c.deltas[k].RGB
				a := alpha(c.sigmas[k], dt)
				w := T * a
				T *= 1 - a
				prefix = prefix.Add(c.rgbs[k].Mul(w))

				dRGBs[k] = gImage.Mul(w)
				rest := imageFinal.Sub(prefix)
				dSigmas[k] = dt * (gImage.Dot(c.rgbs[k].Mul(T).Sub(rest)) + gWS*(1-wsFinal))
				if T < MinTransmittance {
					break
				}
			}
		}
	})
	return dSigmas, dRGBs, nil
}

package march

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/go-gl/mathgl/mgl32"
)

const sqrt3 = 1.7320508075688772

// StepRule is the step size schedule shared by the training and inference
// marchers.
//
//	dtMin = 2*sqrt(3) / maxSteps            (maxSteps minimal steps span the diagonal of [-1,1]^3)
//	dtMax = 2*sqrt(3) * 2^(C-1) / H         (one cell diagonal of the coarsest cascade)
//	dt(t) = clamp(t * dtGamma, dtMin, dtMax)
//
// dt is non-decreasing in t and bounded on both sides; dtGamma = 0 gives
// uniform steps of dtMin.
type StepRule struct {
	Bound    float32
	DtGamma  float32
	MaxSteps int
	DtMin    float32
	DtMax    float32
}

func NewStepRule(bound, dtGamma float32, maxSteps, cascades, resolution int) StepRule {
	r := StepRule{
		Bound:    bound,
		DtGamma:  dtGamma,
		MaxSteps: maxSteps,
		DtMin:    2 * sqrt3 / float32(maxSteps),
		DtMax:    2 * sqrt3 * math32.Ldexp(1, cascades-1) / float32(resolution),
	}
	if r.DtMax < r.DtMin {
		r.DtMax = r.DtMin
	}
	return r
}

// Dt is the step size at distance t.
func (r StepRule) Dt(t float32) float32 {
	return mgl32.Clamp(t*r.DtGamma, r.DtMin, r.DtMax)
}

// walker advances one ray through the occupancy grid. It is shared by the
// counting and writing passes, so both see exactly the same sample positions.
type walker struct {
	rule  StepRule
	grid  *grid.Bitfield
	o, d  mgl32.Vec3
	t     float32
	far   float32
	bound float32
}

func newWalker(rule StepRule, bf *grid.Bitfield, o, d mgl32.Vec3, t, far float32) walker {
	return walker{rule: rule, grid: bf, o: o, d: d, t: t, far: far, bound: rule.Bound}
}

// jitter moves the start of the walk by a uniform fraction of one step.
func (w *walker) jitter(rng *rand.Rand) {
	w.t += w.rule.Dt(w.t) * rng.Float32()
}

// next advances to the following occupied sample. It returns the sample
// position, its distance t and step dt, and false once t reaches far.
// Empty cells are crossed with regular steps until past the cell exit.
func (w *walker) next() (p mgl32.Vec3, t, dt float32, ok bool) {
	for w.t < w.far {
		p = w.position()
		dt = w.rule.Dt(w.t)
		cell := w.grid.Lookup(p, dt, w.bound)
		if cell.Occupied {
			t = w.t
			w.t = advance(w.t, dt)
			return p, t, dt, true
		}

		tt := w.t + cell.Exit(p, w.d, w.grid.Resolution)
		for {
			w.t = advance(w.t, w.rule.Dt(w.t))
			if w.t >= tt {
				break
			}
		}
	}
	return mgl32.Vec3{}, 0, 0, false
}

// advance returns t+dt, or the next float32 above t when dt is below the
// resolution of t.
func advance(t, dt float32) float32 {
	if next := t + dt; next > t {
		return next
	}
	return math32.Nextafter(t, math32.Inf(1))
}

func (w *walker) position() mgl32.Vec3 {
	b := w.bound
	return mgl32.Vec3{
		mgl32.Clamp(w.o[0]+w.t*w.d[0], -b, b),
		mgl32.Clamp(w.o[1]+w.t*w.d[1], -b, b),
		mgl32.Clamp(w.o[2]+w.t*w.d[2], -b, b),
	}
}

// rayRand is the per-ray jitter stream, reproducible for a fixed seed.
func rayRand(seed uint64, ray int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(ray)))
}

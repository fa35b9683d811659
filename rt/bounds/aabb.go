package bounds

import (
	"github.com/chewxy/math32"
	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

// AxisInvalid marks a near/far value that no box plane determined: the ray
// missed, or near was raised to the minimum near distance.
const AxisInvalid uint8 = 255

type AABB struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// Cube is the scene box [-bound, bound]^3.
func Cube(bound float32) AABB {
	return AABB{
		Min: mgl32.Vec3{-bound, -bound, -bound},
		Max: mgl32.Vec3{bound, bound, bound},
	}
}

// Plane returns the coordinate of plane id in (xmin, ymin, zmin, xmax, ymax, zmax) order.
func (b AABB) Plane(id uint8) float32 {
	if id < 3 {
		return b.Min[id]
	}
	return b.Max[id-3]
}

// NearFarContext keeps what the backward pass of NearFar needs.
type NearFarContext struct {
	rays     batch.Rays
	box      AABB
	nearAxis []uint8
	farAxis  []uint8
}

func (c *NearFarContext) NearAxis(i int) uint8 { return c.nearAxis[i] }
func (c *NearFarContext) FarAxis(i int) uint8  { return c.farAxis[i] }

// Hit reports whether ray i intersects the box.
func (c *NearFarContext) Hit(i int) bool {
	return c.farAxis[i] != AxisInvalid
}

// NearFar intersects every ray with the box. Near is at least minNear.
// Misses (including boxes entirely behind the ray, or closer than minNear)
// report near = far = MaxFloat32.
func NearFar(rays batch.Rays, box AABB, minNear float32) (nears, fars []float32, ctx *NearFarContext) {
	n := rays.Len()
	nears = make([]float32, n)
	fars = make([]float32, n)
	ctx = &NearFarContext{
		rays:     rays,
		box:      box,
		nearAxis: make([]uint8, n),
		farAxis:  make([]uint8, n),
	}

	par.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			near, far, na, fa, ok := slab(rays.Origins[i], rays.Directions[i], box)
			if ok && near < minNear {
				near, na = minNear, AxisInvalid
			}
			if !ok || far <= near {
				near, far = math32.MaxFloat32, math32.MaxFloat32
				na, fa = AxisInvalid, AxisInvalid
			}
			nears[i], fars[i] = near, far
			ctx.nearAxis[i], ctx.farAxis[i] = na, fa
		}
	})
	return nears, fars, ctx
}

// slab is the per-axis interval intersection, tracking which plane bounds
// each end.
func slab(o, d mgl32.Vec3, box AABB) (near, far float32, nearAxis, farAxis uint8, ok bool) {
	near, far = math32.Inf(-1), math32.Inf(1)
	nearAxis, farAxis = AxisInvalid, AxisInvalid
	for axis := uint8(0); axis < 3; axis++ {
		rd := 1 / d[axis]
		t0 := (box.Min[axis] - o[axis]) * rd
		t1 := (box.Max[axis] - o[axis]) * rd
		a0, a1 := axis, axis+3
		if t0 > t1 {
			t0, t1 = t1, t0
			a0, a1 = a1, a0
		}
		if near > t1 || t0 > far {
			return 0, 0, AxisInvalid, AxisInvalid, false
		}
		if t0 > near {
			near, nearAxis = t0, a0
		}
		if t1 < far {
			far, farAxis = t1, a1
		}
	}
	return near, far, nearAxis, farAxis, true
}

// Backward maps gradients on near/far to gradients on ray origins and
// directions. Only the plane that produced each bound contributes: for that
// axis a, dt/do_a = -1/d_a and dt/dd_a = (o_a - plane)/d_a^2. Everything else
// is piecewise constant and gets zero.
func (c *NearFarContext) Backward(dNears, dFars []float32) (dOrigins, dDirections []mgl32.Vec3) {
	n := c.rays.Len()
	dOrigins = make([]mgl32.Vec3, n)
	dDirections = make([]mgl32.Vec3, n)

	par.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			o, d := c.rays.Origins[i], c.rays.Directions[i]
			accumulate := func(axis uint8, grad float32) {
				if axis == AxisInvalid || grad == 0 {
					return
				}
				a := axis % 3
				plane := c.box.Plane(axis)
				dOrigins[i][a] += grad * (-1 / d[a])
				dDirections[i][a] += grad * (o[a] - plane) / (d[a] * d[a])
			}
			if dNears != nil {
				accumulate(c.nearAxis[i], dNears[i])
			}
			if dFars != nil {
				accumulate(c.farAxis[i], dFars[i])
			}
		}
	})
	return dOrigins, dDirections
}

package bounds

import (
	"github.com/chewxy/math32"
	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

// PolarFromRay returns where each ray leaves the background sphere of the
// given radius, as (theta, phi) normalized to [-1, 1] with y as the up axis.
// Origins must lie strictly inside the sphere.
func PolarFromRay(rays batch.Rays, radius float32) []mgl32.Vec2 {
	coords := make([]mgl32.Vec2, rays.Len())
	par.For(len(coords), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			coords[i] = polar(rays.Origins[i], rays.Directions[i], radius)
		}
	})
	return coords
}

func polar(o, d mgl32.Vec3, radius float32) mgl32.Vec2 {
	// |o + t d| = radius, B is half the linear coefficient.
	a := d.Dot(d)
	b := o.Dot(d)
	c := o.Dot(o) - radius*radius
	t := (-b + math32.Sqrt(b*b-a*c)) / a

	p := o.Add(d.Mul(t))
	theta := math32.Atan2(math32.Sqrt(p[0]*p[0]+p[2]*p[2]), p[1])
	phi := math32.Atan2(p[2], p[0])
	return mgl32.Vec2{2*theta/math32.Pi - 1, phi / math32.Pi}
}

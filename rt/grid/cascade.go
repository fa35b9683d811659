package grid

import (
	"github.com/chewxy/math32"
	"github.com/gekko3d/nerfmarch/rt/par"
	"github.com/go-gl/mathgl/mgl32"
)

// Cell is the result of locating a point in the cascaded grid.
type Cell struct {
	Level    int
	X, Y, Z  int
	MipBound float32 // half extent of the cascade the cell belongs to
	Index    uint32  // Morton index within the cascade
	Occupied bool
}

func clampLevel(exponent, cascades int) int {
	if exponent < 0 {
		return 0
	}
	if exponent > cascades-1 {
		return cascades - 1
	}
	return exponent
}

// MipFromPos picks the smallest cascade whose [-2^l, 2^l]^3 shell contains p:
// max|p_i| in [0, 1) maps to 0, [1, 2) to 1, [2, 4) to 2 and so on.
func MipFromPos(p mgl32.Vec3, cascades int) int {
	mx := math32.Max(math32.Abs(p[0]), math32.Max(math32.Abs(p[1]), math32.Abs(p[2])))
	_, exponent := math32.Frexp(mx)
	return clampLevel(exponent, cascades)
}

// MipFromDt picks the cascade whose cells are at least as large as a step of dt.
func MipFromDt(dt float32, resolution, cascades int) int {
	_, exponent := math32.Frexp(dt * float32(resolution) * 0.5)
	return clampLevel(exponent, cascades)
}

// CascadeBound is the half extent of cascade level, capped by the scene bound.
func CascadeBound(level int, bound float32) float32 {
	return math32.Min(math32.Ldexp(1, level), bound)
}

// Lookup locates p (already clamped to the scene bound) for a marching step
// of size dt and tests its occupancy bit.
func (b *Bitfield) Lookup(p mgl32.Vec3, dt, bound float32) Cell {
	level := max(MipFromPos(p, b.Cascades), MipFromDt(dt, b.Resolution, b.Cascades))
	mipBound := CascadeBound(level, bound)
	h := float32(b.Resolution)
	rb := 1 / mipBound

	c := Cell{Level: level, MipBound: mipBound}
	c.X = int(mgl32.Clamp(0.5*(p[0]*rb+1)*h, 0, h-1))
	c.Y = int(mgl32.Clamp(0.5*(p[1]*rb+1)*h, 0, h-1))
	c.Z = int(mgl32.Clamp(0.5*(p[2]*rb+1)*h, 0, h-1))
	c.Index = Morton3D(uint32(c.X), uint32(c.Y), uint32(c.Z))
	c.Occupied = b.Query(level, c.Index)
	return c
}

// Exit returns the distance along dir from p to the far side of the cell.
// Axes with a zero direction component never bound the exit. The result is
// never negative.
func (c Cell) Exit(p, dir mgl32.Vec3, resolution int) float32 {
	rH := 1 / float32(resolution)
	n := [3]int{c.X, c.Y, c.Z}
	best := math32.Inf(1)
	for axis := 0; axis < 3; axis++ {
		d := dir[axis]
		if d == 0 {
			continue
		}
		side := float32(0)
		if d > 0 {
			side = 1
		}
		boundary := ((float32(n[axis])+side)*rH*2 - 1) * c.MipBound
		if t := (boundary - p[axis]) / d; t < best {
			best = t
		}
	}
	if best < 0 || math32.IsInf(best, 1) {
		return 0
	}
	return best
}

// CellCenters returns the world-space centre of every cell of a cascade,
// in Morton order, so a density field can be sampled to rebuild the grid.
func CellCenters(cascade, resolution int, bound float32) []mgl32.Vec3 {
	cells := CellCount(resolution)
	out := make([]mgl32.Vec3, cells)
	mipBound := CascadeBound(cascade, bound)
	scale := 2 / float32(resolution)
	par.For(cells, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x, y, z := Morton3DInvert(uint32(i))
			out[i] = mgl32.Vec3{
				((float32(x)+0.5)*scale - 1) * mipBound,
				((float32(y)+0.5)*scale - 1) * mipBound,
				((float32(z)+0.5)*scale - 1) * mipBound,
			}
		}
	})
	return out
}

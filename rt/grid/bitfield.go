package grid

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/gekko3d/nerfmarch/rt/par"
)

var (
	// ErrOddResolution is returned for resolutions that cannot be byte packed
	// or Morton addressed: H must be a power of two in [2, MaxResolution].
	ErrOddResolution = errors.New("grid: resolution must be a power of two in [2, 1024]")
	ErrCascades      = errors.New("grid: cascade count must be positive")
	ErrDensitySize   = errors.New("grid: density length does not match cascades*resolution^3")
)

// Bitfield is the packed occupancy grid: Cascades shells of Resolution^3
// cells, one bit per cell, cells in Morton order. Bit b of byte i stands for
// Morton index 8*i+b within the flattened [cascade][cell] space.
type Bitfield struct {
	Cascades   int
	Resolution int
	Bits       []uint8
}

func checkShape(cascades, resolution int) error {
	if cascades <= 0 {
		return fmt.Errorf("%w: got %d", ErrCascades, cascades)
	}
	if resolution < 2 || resolution > MaxResolution || resolution&(resolution-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrOddResolution, resolution)
	}
	return nil
}

// NewBitfield allocates an empty (all unoccupied) bitfield.
func NewBitfield(cascades, resolution int) (*Bitfield, error) {
	if err := checkShape(cascades, resolution); err != nil {
		return nil, err
	}
	return &Bitfield{
		Cascades:   cascades,
		Resolution: resolution,
		Bits:       make([]uint8, cascades*CellCount(resolution)/8),
	}, nil
}

// CellCount is H^3.
func CellCount(resolution int) int {
	return resolution * resolution * resolution
}

// Pack thresholds a dense [cascades][H^3] density grid (Morton ordered per
// cascade) into a new bitfield.
func Pack(density []float32, cascades, resolution int, threshold float32) (*Bitfield, error) {
	b, err := NewBitfield(cascades, resolution)
	if err != nil {
		return nil, err
	}
	if err := b.Repack(density, threshold); err != nil {
		return nil, err
	}
	return b, nil
}

// Repack rewrites the bitfield in place from a density grid of the same shape.
func (b *Bitfield) Repack(density []float32, threshold float32) error {
	if want := b.Cascades * CellCount(b.Resolution); len(density) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDensitySize, len(density), want)
	}
	par.For(len(b.Bits), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			cells := density[i*8 : i*8+8]
			var v uint8
			for bit, d := range cells {
				if d > threshold {
					v |= 1 << bit
				}
			}
			b.Bits[i] = v
		}
	})
	return nil
}

// Query tests the bit of a Morton index within a cascade.
func (b *Bitfield) Query(cascade int, index uint32) bool {
	i := cascade*CellCount(b.Resolution) + int(index)
	return b.Bits[i>>3]&(1<<(i&7)) != 0
}

// Set marks a single cell. Only meant for building grids by hand.
func (b *Bitfield) Set(cascade int, index uint32, occupied bool) {
	i := cascade*CellCount(b.Resolution) + int(index)
	if occupied {
		b.Bits[i>>3] |= 1 << (i & 7)
	} else {
		b.Bits[i>>3] &^= 1 << (i & 7)
	}
}

// Fill sets every cell of every cascade.
func (b *Bitfield) Fill(occupied bool) {
	var v uint8
	if occupied {
		v = 0xFF
	}
	for i := range b.Bits {
		b.Bits[i] = v
	}
}

func (b *Bitfield) OccupiedCount() int {
	n := 0
	for _, v := range b.Bits {
		n += bits.OnesCount8(v)
	}
	return n
}

// Occupancy is the fraction of occupied cells over all cascades.
func (b *Bitfield) Occupancy() float64 {
	if len(b.Bits) == 0 {
		return 0
	}
	return float64(b.OccupiedCount()) / float64(len(b.Bits)*8)
}

func (b *Bitfield) Clone() *Bitfield {
	c := *b
	c.Bits = append([]uint8(nil), b.Bits...)
	return &c
}

package nerfmarch

import (
	"sync/atomic"

	"github.com/gekko3d/nerfmarch/rt/grid"
)

// GridSnapshot is one published occupancy grid. It is never mutated after
// publication; a rebuild publishes a new snapshot.
type GridSnapshot struct {
	Bits       *grid.Bitfield
	Generation uint64
	Occupancy  float64
}

// GridContainer hands the latest snapshot to concurrent renders. Each call
// loads it once, so a render never sees two grids.
type GridContainer struct {
	latest     atomic.Pointer[GridSnapshot]
	generation atomic.Uint64
}

func (c *GridContainer) Update(b *grid.Bitfield) *GridSnapshot {
	s := &GridSnapshot{
		Bits:       b,
		Generation: c.generation.Add(1),
		Occupancy:  b.Occupancy(),
	}
	c.latest.Store(s)
	return s
}

// Get returns nil until the first Update.
func (c *GridContainer) Get() *GridSnapshot {
	return c.latest.Load()
}

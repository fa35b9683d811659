package infer

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gekko3d/nerfmarch/rt/par"
)

var ErrCapacity = errors.New("infer: alive count exceeds state capacity")

// State is the alive-ray set of an inference render. Alive[k] is a ray id and
// T[k] its current distance along the ray; a negative T marks a ray that
// finished and is waiting to be compacted out. Only the first N entries are
// meaningful.
type State struct {
	Alive []int32
	T     []float32
	N     int

	spareAlive []int32
	spareT     []float32
}

// NewState starts every ray at its near distance.
func NewState(nears []float32) *State {
	n := len(nears)
	s := &State{
		Alive:      make([]int32, n),
		T:          make([]float32, n),
		N:          n,
		spareAlive: make([]int32, n),
		spareT:     make([]float32, n),
	}
	for i := range s.Alive {
		s.Alive[i] = int32(i)
	}
	copy(s.T, nears)
	return s
}

// Compact removes finished entries from the first N, keeping the survivors in
// their current order, and returns the new N. Compacting an already compact
// state changes nothing.
func Compact(s *State) (int, error) {
	if s.N < 0 || s.N > len(s.Alive) || s.N > len(s.T) {
		return 0, fmt.Errorf("%w: n_alive %d, capacity %d", ErrCapacity, s.N, min(len(s.Alive), len(s.T)))
	}
	if len(s.spareAlive) < s.N {
		s.spareAlive = make([]int32, len(s.Alive))
	}
	if len(s.spareT) < s.N {
		s.spareT = make([]float32, len(s.T))
	}

	// Survivors are counted per block and in total; the block scan only
	// places each block's survivors after those of earlier blocks.
	n := s.N
	workers := par.Workers(n)
	counts := make([]int, workers)
	var alive atomic.Int64
	par.ForBlocks(n, workers, func(block, lo, hi int) {
		c := 0
		for k := lo; k < hi; k++ {
			if s.T[k] >= 0 {
				c++
			}
		}
		counts[block] = c
		alive.Add(int64(c))
	})

	offsets := make([]int, workers)
	for b := 1; b < workers; b++ {
		offsets[b] = offsets[b-1] + counts[b-1]
	}

	par.ForBlocks(n, workers, func(block, lo, hi int) {
		j := offsets[block]
		for k := lo; k < hi; k++ {
			if s.T[k] >= 0 {
				s.spareAlive[j] = s.Alive[k]
				s.spareT[j] = s.T[k]
				j++
			}
		}
	})

	s.Alive, s.spareAlive = s.spareAlive, s.Alive
	s.T, s.spareT = s.spareT, s.T
	s.N = int(alive.Load())
	return s.N, nil
}

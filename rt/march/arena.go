package march

// arenaWindow is how many past marches the capacity estimate averages over.
const arenaWindow = 16

// Arena carries the capacity hint of the training marcher from one call to
// the next. The caller owns it and reports each call's true sample count
// with Observe; the zero value has no estimate.
type Arena struct {
	counts [arenaWindow]int
	next   int
	filled int
}

// Observe records the number of samples a march produced.
func (a *Arena) Observe(points int) {
	a.counts[a.next] = points
	a.next = (a.next + 1) % arenaWindow
	if a.filled < arenaWindow {
		a.filled++
	}
}

// MeanCount is the mean of the recorded counts, 0 when nothing was observed.
func (a *Arena) MeanCount() int {
	if a == nil || a.filled == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < a.filled; i++ {
		sum += a.counts[i]
	}
	return sum / a.filled
}

// Reset drops the estimate, e.g. after the occupancy grid changed a lot.
func (a *Arena) Reset() {
	*a = Arena{}
}

package par

import (
	"runtime"
	"sync"
)

// minBlock keeps tiny batches on the calling goroutine.
const minBlock = 64

// Workers returns how many goroutines For will use for n items.
func Workers(n int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if maxW := (n + minBlock - 1) / minBlock; workers > maxW {
		workers = maxW
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Block returns the half-open range of block w when [0,n) is split into
// workers contiguous blocks, remainder spread over the first blocks.
func Block(n, workers, w int) (lo, hi int) {
	base, rem := n/workers, n%workers
	lo = w*base + min(w, rem)
	hi = lo + base
	if w < rem {
		hi++
	}
	return lo, hi
}

// For runs fn over contiguous blocks covering [0,n) and returns once every
// block is done. Blocks never overlap, so fn may write per-index outputs
// without locking.
func For(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := Workers(n)
	if workers == 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		lo, hi := Block(n, workers, w)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}

// ForBlocks is For with an explicit block count and the block index exposed,
// for two-pass algorithms that keep per-block partial results (counts, sums)
// in a stable order. Callers size their partials with Workers(n).
func ForBlocks(n, workers int, fn func(block, lo, hi int)) {
	if n <= 0 || workers <= 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		lo, hi := Block(n, workers, w)
		go func() {
			defer wg.Done()
			fn(w, lo, hi)
		}()
	}
	wg.Wait()
}

package infer

import (
	"errors"
	"fmt"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/composite"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/march"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrStageOrder = errors.New("infer: stage called out of order")
	ErrFinished   = errors.New("infer: render already finished")
)

// DefaultChunkSteps caps how many samples a ray takes per iteration.
const DefaultChunkSteps = 8

// Phase is where a ray is in the current iteration.
type Phase uint8

const (
	PhaseAlive Phase = iota
	PhaseMarched
	PhaseComposited
	PhaseDead
)

func (p Phase) String() string {
	switch p {
	case PhaseAlive:
		return "alive"
	case PhaseMarched:
		return "marched"
	case PhaseComposited:
		return "composited"
	case PhaseDead:
		return "dead"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

type stage uint8

const (
	stageMarch stage = iota
	stageComposite
	stageCompact
)

func (s stage) String() string {
	return [...]string{"march", "composite", "compact"}[s]
}

type EngineOptions struct {
	Bound    float32
	DtGamma  float32
	MaxSteps int
	Align    int
	Perturb  bool
	Seed     uint64
	// MaxChunkSteps caps the per-ray samples of one iteration; 0 means
	// DefaultChunkSteps.
	MaxChunkSteps int
}

// Engine drives the incremental render of a ray batch:
//
//	for !e.Done() {
//		chunk, _ := e.March()
//		// evaluate the field on chunk
//		e.Composite(sigmas, rgbs)
//		e.Compact()
//	}
//
// Calling the stages in any other order returns ErrStageOrder.
type Engine struct {
	rays  batch.Rays
	fars  []float32
	grid  *grid.Bitfield
	opts  EngineOptions
	state *State
	acc   *composite.Accumulators
	phase []Phase

	next  stage
	steps int
	iter  int
	nStep int
	chunk *batch.Samples
}

func NewEngine(rays batch.Rays, nears, fars []float32, bf *grid.Bitfield, opts EngineOptions) (*Engine, error) {
	if err := rays.Validate(); err != nil {
		return nil, err
	}
	n := rays.Len()
	if len(nears) != n || len(fars) != n {
		return nil, fmt.Errorf("%w: %d rays, %d nears, %d fars", batch.ErrLength, n, len(nears), len(fars))
	}
	if bf == nil {
		return nil, march.ErrNoGrid
	}
	if opts.MaxSteps <= 0 {
		return nil, fmt.Errorf("%w: got %d", march.ErrMaxSteps, opts.MaxSteps)
	}
	if opts.MaxChunkSteps <= 0 {
		opts.MaxChunkSteps = DefaultChunkSteps
	}
	return &Engine{
		rays:  rays,
		fars:  fars,
		grid:  bf,
		opts:  opts,
		state: NewState(nears),
		acc:   composite.NewAccumulators(n),
		phase: make([]Phase, n),
	}, nil
}

// Done reports whether no ray is alive or the step budget is spent.
func (e *Engine) Done() bool {
	return e.state.N == 0 || e.steps >= e.opts.MaxSteps
}

// March samples the next chunk for every alive ray. The caller fills sigmas
// and rgbs for each slot of the returned buffer and passes them to Composite.
func (e *Engine) March() (*batch.Samples, error) {
	if e.next != stageMarch {
		return nil, fmt.Errorf("%w: march called before %s", ErrStageOrder, e.next)
	}
	if e.Done() {
		return nil, ErrFinished
	}

	n := e.rays.Len()
	e.nStep = min(max(n/e.state.N, 1), e.opts.MaxChunkSteps)
	chunk, err := march.Chunk(e.state.Alive, e.state.T, e.state.N, e.rays, e.fars, e.grid, march.ChunkOptions{
		Bound:    e.opts.Bound,
		DtGamma:  e.opts.DtGamma,
		MaxSteps: e.opts.MaxSteps,
		Steps:    e.nStep,
		Align:    e.opts.Align,
		Perturb:  e.opts.Perturb && e.iter == 0,
		Seed:     e.opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	for _, ray := range e.state.Alive[:e.state.N] {
		e.phase[ray] = PhaseMarched
	}
	e.chunk = chunk
	e.next = stageComposite
	return chunk, nil
}

// Composite folds the field values of the last chunk into the accumulators.
func (e *Engine) Composite(sigmas []float32, rgbs []mgl32.Vec3) error {
	if e.next != stageComposite {
		return fmt.Errorf("%w: composite called before %s", ErrStageOrder, e.next)
	}
	if err := composite.Accumulate(e.state.Alive, e.state.T, e.state.N, e.nStep, sigmas, rgbs, e.chunk, e.acc); err != nil {
		return err
	}
	for k := 0; k < e.state.N; k++ {
		if e.state.T[k] < 0 {
			e.phase[e.state.Alive[k]] = PhaseDead
		} else {
			e.phase[e.state.Alive[k]] = PhaseComposited
		}
	}
	e.steps += e.nStep
	e.chunk = nil
	e.next = stageCompact
	return nil
}

// Compact drops finished rays and returns how many remain alive.
func (e *Engine) Compact() (int, error) {
	if e.next != stageCompact {
		return 0, fmt.Errorf("%w: compact called before %s", ErrStageOrder, e.next)
	}
	n, err := Compact(e.state)
	if err != nil {
		return 0, err
	}
	for _, ray := range e.state.Alive[:n] {
		e.phase[ray] = PhaseAlive
	}
	e.iter++
	e.next = stageMarch
	return n, nil
}

func (e *Engine) Phase(ray int) Phase {
	return e.phase[ray]
}

func (e *Engine) Accumulators() *composite.Accumulators {
	return e.acc
}

func (e *Engine) Alive() int {
	return e.state.N
}

func (e *Engine) Iterations() int {
	return e.iter
}

// Steps is the per-ray sample budget spent so far.
func (e *Engine) Steps() int {
	return e.steps
}

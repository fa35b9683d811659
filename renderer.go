package nerfmarch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gekko3d/nerfmarch/rt/batch"
	"github.com/gekko3d/nerfmarch/rt/bounds"
	"github.com/gekko3d/nerfmarch/rt/composite"
	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/infer"
	"github.com/gekko3d/nerfmarch/rt/march"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

var (
	ErrNoGrid    = errors.New("nerfmarch: no occupancy grid published")
	ErrGridShape = errors.New("nerfmarch: grid shape does not match config")
)

// Field is the radiance field being rendered. Query fills sigmas[i] and
// rgbs[i] for the sample at positions[i] seen from directions[i]. The slices
// all have the same length; padding entries may be ignored.
type Field interface {
	Query(positions, directions []mgl32.Vec3, sigmas []float32, rgbs []mgl32.Vec3) error
}

type FieldFunc func(positions, directions []mgl32.Vec3, sigmas []float32, rgbs []mgl32.Vec3) error

func (f FieldFunc) Query(positions, directions []mgl32.Vec3, sigmas []float32, rgbs []mgl32.Vec3) error {
	return f(positions, directions, sigmas, rgbs)
}

// Renderer marches and composites ray batches against the latest published
// occupancy grid. Its methods are safe for concurrent use.
type Renderer struct {
	cfg      Config
	box      bounds.AABB
	logger   Logger
	profiler *Profiler
	grids    GridContainer

	arenaMu sync.Mutex
	arena   march.Arena
}

// NewRenderer validates cfg. A nil logger discards all output.
func NewRenderer(cfg Config, logger Logger) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{
		cfg:      cfg,
		box:      bounds.Cube(cfg.Bound),
		logger:   orNop(logger),
		profiler: NewProfiler(),
	}, nil
}

func (r *Renderer) Config() Config {
	return r.cfg
}

func (r *Renderer) Profiler() *Profiler {
	return r.profiler
}

// Grid returns the current snapshot, nil before the first publication.
func (r *Renderer) Grid() *GridSnapshot {
	return r.grids.Get()
}

// PublishGrid makes b the grid of all later calls. b must not be modified
// afterwards.
func (r *Renderer) PublishGrid(b *grid.Bitfield) error {
	if b == nil {
		return ErrNoGrid
	}
	if b.Cascades != r.cfg.Cascades || b.Resolution != r.cfg.Resolution {
		return fmt.Errorf("%w: got %dx%d^3, want %dx%d^3", ErrGridShape, b.Cascades, b.Resolution, r.cfg.Cascades, r.cfg.Resolution)
	}
	s := r.grids.Update(b)
	r.logger.Infof("published occupancy grid #%d: %.2f%% occupied", s.Generation, 100*s.Occupancy)
	return nil
}

func (r *Renderer) LoadGrid(rd io.Reader) error {
	b, err := grid.ReadBitfield(rd)
	if err != nil {
		return fmt.Errorf("load grid: %w", err)
	}
	return r.PublishGrid(b)
}

func (r *Renderer) SaveGrid(w io.Writer) error {
	s := r.grids.Get()
	if s == nil {
		return ErrNoGrid
	}
	return grid.WriteBitfield(w, s.Bits, r.cfg.GridCodec)
}

// RebuildGrid evaluates f at every cell centre of every cascade and publishes
// the result, thresholded at Config.DensityThreshold.
func (r *Renderer) RebuildGrid(f Field) error {
	cells := grid.CellCount(r.cfg.Resolution)
	density := make([]float32, r.cfg.Cascades*cells)
	directions := make([]mgl32.Vec3, cells)
	rgbs := make([]mgl32.Vec3, cells)
	for c := 0; c < r.cfg.Cascades; c++ {
		centers := grid.CellCenters(c, r.cfg.Resolution, r.cfg.Bound)
		if err := f.Query(centers, directions, density[c*cells:(c+1)*cells], rgbs); err != nil {
			return fmt.Errorf("rebuild grid: cascade %d: %w", c, err)
		}
	}
	b, err := grid.Pack(density, r.cfg.Cascades, r.cfg.Resolution, r.cfg.DensityThreshold)
	if err != nil {
		return err
	}
	r.ResetArena()
	return r.PublishGrid(b)
}

// ResetArena forgets the sample count estimate of the training march.
func (r *Renderer) ResetArena() {
	r.arenaMu.Lock()
	r.arena.Reset()
	r.arenaMu.Unlock()
}

func (r *Renderer) snapshot() (*GridSnapshot, error) {
	s := r.grids.Get()
	if s == nil {
		return nil, ErrNoGrid
	}
	return s, nil
}

// TrainPass holds one differentiable forward pass and what its backward
// passes need.
type TrainPass struct {
	ID       uuid.UUID
	Nears    []float32
	Fars     []float32
	Samples  *batch.Samples
	Segments []batch.Segment
	Sigmas   []float32
	RGBs     []mgl32.Vec3
	Outputs  *composite.Accumulators
	// Dropped counts rays that did not fit the sample buffer and were left
	// empty.
	Dropped int

	nearFar   *bounds.NearFarContext
	march     *march.TrainContext
	composite *composite.TrainContext
}

// TrainForward intersects, marches, queries f for every sample and
// composites the result.
func (r *Renderer) TrainForward(rays batch.Rays, f Field) (*TrainPass, error) {
	if err := rays.Validate(); err != nil {
		return nil, err
	}
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	p := &TrainPass{ID: uuid.New()}
	logger := withCall(r.logger, "train", p.ID)

	end := r.profiler.Begin(ScopeNearFar)
	p.Nears, p.Fars, p.nearFar = bounds.NearFar(rays, r.box, r.cfg.MinNear)
	end()

	r.arenaMu.Lock()
	arena := r.arena
	r.arenaMu.Unlock()

	end = r.profiler.Begin(ScopeMarch)
	p.Samples, p.Segments, p.march, err = march.Train(rays, p.Nears, p.Fars, snap.Bits, march.TrainOptions{
		Bound:        r.cfg.Bound,
		DtGamma:      r.cfg.DtGamma,
		MaxSteps:     r.cfg.MaxSteps,
		Align:        r.cfg.Align,
		Perturb:      r.cfg.Perturb,
		Seed:         r.cfg.Seed,
		ForceAllRays: r.cfg.ForceAllRays,
	}, &arena)
	end()
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", p.ID, err)
	}

	r.arenaMu.Lock()
	r.arena.Observe(p.march.Points)
	r.arenaMu.Unlock()

	p.Dropped = p.march.Dropped
	if p.Dropped > 0 {
		logger.Warnf("%d of %d rays dropped, %d samples wanted, buffer holds %d",
			p.Dropped, rays.Len(), p.march.Points, p.march.Capacity)
	}

	m := p.Samples.Len()
	p.Sigmas = make([]float32, m)
	p.RGBs = make([]mgl32.Vec3, m)
	end = r.profiler.Begin(ScopeField)
	err = f.Query(p.Samples.Positions, p.Samples.Directions, p.Sigmas, p.RGBs)
	end()
	if err != nil {
		return nil, fmt.Errorf("train %s: field: %w", p.ID, err)
	}

	end = r.profiler.Begin(ScopeComposite)
	p.Outputs, p.composite, err = composite.Forward(p.Sigmas, p.RGBs, p.Samples, p.Segments)
	end()
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", p.ID, err)
	}

	r.profiler.SetCount(CountSamples, p.march.Points)
	r.profiler.SetCount(CountDroppedRays, p.Dropped)
	logger.Debugf("%d rays, %d samples in a buffer of %d (grid #%d)",
		rays.Len(), p.march.Points, m, snap.Generation)
	return p, nil
}

// Backward returns the gradients of the field outputs. Either argument may be
// nil.
func (p *TrainPass) Backward(dWeightsSum []float32, dImage []mgl32.Vec3) (dSigmas []float32, dRGBs []mgl32.Vec3, err error) {
	return p.composite.Backward(dWeightsSum, dImage)
}

// BackwardRays maps gradients on sample positions and directions (from the
// field) and on near/far distances to gradients on the input rays.
// dDirections, dNears and dFars may be nil.
func (p *TrainPass) BackwardRays(dPositions, dDirections []mgl32.Vec3, dNears, dFars []float32) (dOrigins, dRayDirections []mgl32.Vec3, err error) {
	n := len(p.Nears)
	if (dNears != nil && len(dNears) != n) || (dFars != nil && len(dFars) != n) {
		return nil, nil, fmt.Errorf("%w: %d rays, %d dNears, %d dFars", batch.ErrLength, n, len(dNears), len(dFars))
	}

	dOrigins, dRayDirections, err = p.march.Backward(dPositions, dDirections)
	if err != nil {
		return nil, nil, fmt.Errorf("train %s: %w", p.ID, err)
	}
	if dNears == nil && dFars == nil {
		return dOrigins, dRayDirections, nil
	}
	nfO, nfD := p.nearFar.Backward(dNears, dFars)
	for i := range dOrigins {
		dOrigins[i] = dOrigins[i].Add(nfO[i])
		dRayDirections[i] = dRayDirections[i].Add(nfD[i])
	}
	return dOrigins, dRayDirections, nil
}

// Frame is one rendered ray batch.
type Frame struct {
	ID         uuid.UUID
	WeightsSum []float32
	Depth      []float32
	// Image has the background blended in.
	Image      []mgl32.Vec3
	Iterations int
}

// Render runs the incremental march/composite/compact loop until every ray
// has finished or the step budget is spent. ctx is checked between
// iterations.
func (r *Renderer) Render(ctx context.Context, rays batch.Rays, f Field) (*Frame, error) {
	if err := rays.Validate(); err != nil {
		return nil, err
	}
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	logger := withCall(r.logger, "render", id)

	end := r.profiler.Begin(ScopeNearFar)
	nears, fars, _ := bounds.NearFar(rays, r.box, r.cfg.MinNear)
	end()

	e, err := infer.NewEngine(rays, nears, fars, snap.Bits, infer.EngineOptions{
		Bound:         r.cfg.Bound,
		DtGamma:       r.cfg.DtGamma,
		MaxSteps:      r.cfg.MaxSteps,
		Align:         r.cfg.Align,
		Perturb:       r.cfg.Perturb,
		Seed:          r.cfg.Seed,
		MaxChunkSteps: r.cfg.ChunkSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", id, err)
	}

	var sigmas []float32
	var rgbs []mgl32.Vec3
	for !e.Done() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render %s: %w", id, err)
		}

		end = r.profiler.Begin(ScopeMarch)
		chunk, err := e.March()
		end()
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", id, err)
		}

		m := chunk.Len()
		if cap(sigmas) < m {
			sigmas = make([]float32, m)
			rgbs = make([]mgl32.Vec3, m)
		}
		sigmas, rgbs = sigmas[:m], rgbs[:m]
		end = r.profiler.Begin(ScopeField)
		err = f.Query(chunk.Positions, chunk.Directions, sigmas, rgbs)
		end()
		if err != nil {
			return nil, fmt.Errorf("render %s: field: %w", id, err)
		}

		end = r.profiler.Begin(ScopeComposite)
		err = e.Composite(sigmas, rgbs)
		end()
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", id, err)
		}

		end = r.profiler.Begin(ScopeCompact)
		alive, err := e.Compact()
		end()
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", id, err)
		}
		logger.Debugf("iteration %d, %d rays alive", e.Iterations(), alive)
	}

	acc := e.Accumulators()
	bg := r.cfg.Background
	for i := range acc.Image {
		acc.Image[i] = acc.Image[i].Add(bg.Mul(1 - acc.WeightsSum[i]))
	}

	r.profiler.SetCount(CountAliveRays, e.Alive())
	r.profiler.AddCount(CountIterations, e.Iterations())
	logger.Debugf("%d rays in %d iterations (grid #%d)", rays.Len(), e.Iterations(), snap.Generation)
	return &Frame{
		ID:         id,
		WeightsSum: acc.WeightsSum,
		Depth:      acc.Depth,
		Image:      acc.Image,
		Iterations: e.Iterations(),
	}, nil
}

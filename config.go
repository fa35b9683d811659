package nerfmarch

import (
	"errors"
	"fmt"

	"github.com/gekko3d/nerfmarch/rt/grid"
	"github.com/gekko3d/nerfmarch/rt/infer"
	"github.com/go-gl/mathgl/mgl32"
)

var ErrInvalidConfig = errors.New("nerfmarch: invalid config")

type Config struct {
	// Bound is the half-size of the scene box [-Bound, Bound]^3.
	Bound   float32
	MinNear float32

	Cascades   int
	Resolution int

	// DtGamma grows the step with distance (dt = t*DtGamma); 0 keeps it uniform.
	DtGamma  float32
	MaxSteps int
	// Align pads sample buffers to a multiple of Align; <= 0 disables.
	Align int

	// DensityThreshold marks a cell occupied when the field density there
	// exceeds it.
	DensityThreshold float32
	Background       mgl32.Vec3

	// ChunkSteps caps samples per ray and iteration during rendering.
	ChunkSteps int

	Perturb      bool
	Seed         uint64
	ForceAllRays bool

	// GridCodec is used by SaveGrid.
	GridCodec grid.Codec
}

func DefaultConfig() Config {
	return Config{
		Bound:            1,
		MinNear:          0.2,
		Cascades:         1,
		Resolution:       128,
		DtGamma:          0,
		MaxSteps:         1024,
		Align:            -1,
		DensityThreshold: 0.01,
		ChunkSteps:       infer.DefaultChunkSteps,
		GridCodec:        grid.CodecZstd,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Bound <= 0:
		return fmt.Errorf("%w: bound must be positive, got %g", ErrInvalidConfig, c.Bound)
	case c.MinNear < 0:
		return fmt.Errorf("%w: min near must not be negative, got %g", ErrInvalidConfig, c.MinNear)
	case c.Cascades <= 0:
		return fmt.Errorf("%w: cascades must be positive, got %d", ErrInvalidConfig, c.Cascades)
	case c.Resolution < 2 || c.Resolution > grid.MaxResolution || c.Resolution&(c.Resolution-1) != 0:
		return fmt.Errorf("%w: %w", ErrInvalidConfig, grid.ErrOddResolution)
	case c.DtGamma < 0:
		return fmt.Errorf("%w: dt gamma must not be negative, got %g", ErrInvalidConfig, c.DtGamma)
	case c.MaxSteps <= 0:
		return fmt.Errorf("%w: max steps must be positive, got %d", ErrInvalidConfig, c.MaxSteps)
	case c.ChunkSteps <= 0:
		return fmt.Errorf("%w: chunk steps must be positive, got %d", ErrInvalidConfig, c.ChunkSteps)
	}
	return nil
}

// ConfigBuilder starts from DefaultConfig:
//
//	cfg, err := NewConfigBuilder().Bound(2).Cascades(2).Resolution(64).Build()
type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

func (b *ConfigBuilder) Bound(bound float32) *ConfigBuilder {
	b.cfg.Bound = bound
	return b
}

func (b *ConfigBuilder) MinNear(minNear float32) *ConfigBuilder {
	b.cfg.MinNear = minNear
	return b
}

func (b *ConfigBuilder) Cascades(n int) *ConfigBuilder {
	b.cfg.Cascades = n
	return b
}

func (b *ConfigBuilder) Resolution(h int) *ConfigBuilder {
	b.cfg.Resolution = h
	return b
}

func (b *ConfigBuilder) DtGamma(g float32) *ConfigBuilder {
	b.cfg.DtGamma = g
	return b
}

func (b *ConfigBuilder) MaxSteps(n int) *ConfigBuilder {
	b.cfg.MaxSteps = n
	return b
}

func (b *ConfigBuilder) Align(n int) *ConfigBuilder {
	b.cfg.Align = n
	return b
}

func (b *ConfigBuilder) DensityThreshold(th float32) *ConfigBuilder {
	b.cfg.DensityThreshold = th
	return b
}

func (b *ConfigBuilder) Background(c mgl32.Vec3) *ConfigBuilder {
	b.cfg.Background = c
	return b
}

func (b *ConfigBuilder) ChunkSteps(n int) *ConfigBuilder {
	b.cfg.ChunkSteps = n
	return b
}

// Perturb enables per-ray start jitter with a reproducible seed.
func (b *ConfigBuilder) Perturb(seed uint64) *ConfigBuilder {
	b.cfg.Perturb = true
	b.cfg.Seed = seed
	return b
}

func (b *ConfigBuilder) ForceAllRays(force bool) *ConfigBuilder {
	b.cfg.ForceAllRays = force
	return b
}

func (b *ConfigBuilder) GridCodec(c grid.Codec) *ConfigBuilder {
	b.cfg.GridCodec = c
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return Config{}, err
	}
	return b.cfg, nil
}

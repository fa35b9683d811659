package batch

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// ErrLength is returned when parallel per-ray or per-sample arrays disagree in size.
var ErrLength = errors.New("batch: length mismatch")

// Rays is a batch of N rays. Directions are expected to be normalized.
// Kernels only read from it.
type Rays struct {
	Origins    []mgl32.Vec3
	Directions []mgl32.Vec3
}

func (r Rays) Len() int {
	return len(r.Origins)
}

func (r Rays) Validate() error {
	if len(r.Origins) != len(r.Directions) {
		return fmt.Errorf("%w: %d origins, %d directions", ErrLength, len(r.Origins), len(r.Directions))
	}
	return nil
}

// Delta holds the two step sizes recorded per sample: RGB is the integration
// step used for opacity, Depth is the distance travelled since the previous
// sample (skipped empty space included).
type Delta struct {
	RGB   float32
	Depth float32
}

// Samples is the flat sample buffer shared by all rays of a batch.
// Every slice has the same length (the buffer capacity).
type Samples struct {
	Positions  []mgl32.Vec3
	Directions []mgl32.Vec3
	Deltas     []Delta
	Ts         []float32
}

func NewSamples(capacity int) *Samples {
	if capacity < 0 {
		capacity = 0
	}
	return &Samples{
		Positions:  make([]mgl32.Vec3, capacity),
		Directions: make([]mgl32.Vec3, capacity),
		Deltas:     make([]Delta, capacity),
		Ts:         make([]float32, capacity),
	}
}

func (s *Samples) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Deltas)
}

// Trim shrinks the buffer to n entries without copying.
func (s *Samples) Trim(n int) {
	if n > s.Len() {
		return
	}
	s.Positions = s.Positions[:n]
	s.Directions = s.Directions[:n]
	s.Deltas = s.Deltas[:n]
	s.Ts = s.Ts[:n]
}

// Segment locates the samples of one ray inside Samples:
// [Offset, Offset+Count).
type Segment struct {
	RayID  int32
	Offset int32
	Count  int32
}

func (s Segment) End() int {
	return int(s.Offset) + int(s.Count)
}

// CheckSegments verifies that segments are ordered, non-overlapping and fit in
// a buffer of the given capacity.
func CheckSegments(segments []Segment, capacity int) error {
	prevEnd := 0
	for i, seg := range segments {
		if seg.Count < 0 || seg.Offset < 0 {
			return fmt.Errorf("batch: segment %d has negative bounds", i)
		}
		if int(seg.Offset) < prevEnd {
			return fmt.Errorf("batch: segment %d overlaps its predecessor", i)
		}
		if seg.End() > capacity {
			return fmt.Errorf("batch: segment %d ends at %d beyond capacity %d", i, seg.End(), capacity)
		}
		if seg.Count > 0 {
			prevEnd = seg.End()
		}
	}
	return nil
}

// RoundUp pads n to a multiple of align. align <= 0 disables padding.
func RoundUp(n, align int) int {
	if align <= 0 || n%align == 0 {
		return n
	}
	return n + align - n%align
}

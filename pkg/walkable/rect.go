package walkable

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Box is an axis-aligned obstacle footprint on the ground plane.
type Box struct {
	MinX, MinZ float64
	MaxX, MaxZ float64
}

// overlapsCircle reports whether the circle centred on (x, z) with radius r
// intersects the box.
func (b Box) overlapsCircle(x, z, r float64) bool {
	cx := clampF(x, b.MinX, b.MaxX)
	cz := clampF(z, b.MinZ, b.MaxZ)
	dx, dz := x-cx, z-cz
	return dx*dx+dz*dz < r*r
}

// Rect is a rectangular walkable area with optional box obstacles. It
// implements [Area] and [Constrainer] and is safe for concurrent use.
type Rect struct {
	MinX, MinZ float64
	MaxX, MaxZ float64

	obstacles []Box

	mu  sync.Mutex
	rng *rand.Rand
}

// RectOption configures a [Rect].
type RectOption func(*Rect)

// WithSeed makes RandomPointInWalkableArea deterministic.
func WithSeed(seed uint64) RectOption {
	return func(r *Rect) {
		r.rng = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	}
}

// WithObstacles adds static box obstacles used by ConstrainMovement.
func WithObstacles(boxes ...Box) RectOption {
	return func(r *Rect) {
		r.obstacles = append(r.obstacles, boxes...)
	}
}

// NewRect returns a rectangle spanning [minX, maxX] × [minZ, maxZ]. Swapped
// bounds are normalised.
func NewRect(minX, minZ, maxX, maxZ float64, opts ...RectOption) *Rect {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minZ > maxZ {
		minZ, maxZ = maxZ, minZ
	}
	r := &Rect{MinX: minX, MinZ: minZ, MaxX: maxX, MaxZ: maxZ}
	for _, o := range opts {
		o(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r
}

// ClampToWalkableArea implements [Area].
func (r *Rect) ClampToWalkableArea(x, z float64) (float64, float64) {
	return clampF(x, r.MinX, r.MaxX), clampF(z, r.MinZ, r.MaxZ)
}

// IsInsideWalkableArea implements [Area].
func (r *Rect) IsInsideWalkableArea(x, z float64) bool {
	return x >= r.MinX && x <= r.MaxX && z >= r.MinZ && z <= r.MaxZ
}

// RandomPointInWalkableArea implements [Area]. Points are uniform over the
// whole rectangle.
func (r *Rect) RandomPointInWalkableArea() (float64, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.MinX + r.rng.Float64()*(r.MaxX-r.MinX)
	z := r.MinZ + r.rng.Float64()*(r.MaxZ-r.MinZ)
	return x, z
}

// ConstrainMovement implements [Constrainer]. A blocked move first tries to
// slide along each axis and otherwise stays at the start position.
func (r *Rect) ConstrainMovement(fromX, fromZ, toX, toZ, _ float64, radius float64) (float64, float64) {
	if !r.blocked(toX, toZ, radius) {
		return toX, toZ
	}
	if !r.blocked(toX, fromZ, radius) {
		return toX, fromZ
	}
	if !r.blocked(fromX, toZ, radius) {
		return fromX, toZ
	}
	return fromX, fromZ
}

func (r *Rect) blocked(x, z, radius float64) bool {
	for _, b := range r.obstacles {
		if b.overlapsCircle(x, z, radius) {
			return true
		}
	}
	return false
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var (
	_ Area        = (*Rect)(nil)
	_ Constrainer = (*Rect)(nil)
)

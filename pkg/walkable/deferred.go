package walkable

import "sync/atomic"

// Deferred is an [Area] whose geometry is supplied later, typically when a
// room scan finishes. Until [Deferred.Set] is called it reports itself as not
// established and answers queries as an empty area at the origin. It is safe
// for concurrent use: the scan callback may call Set from any goroutine.
type Deferred struct {
	inner atomic.Pointer[areaBox]
}

type areaBox struct{ a Area }

// Set installs the established area. Passing nil reverts to unestablished.
func (d *Deferred) Set(a Area) {
	if a == nil {
		d.inner.Store(nil)
		return
	}
	d.inner.Store(&areaBox{a: a})
}

// Established implements [Establisher].
func (d *Deferred) Established() bool {
	b := d.inner.Load()
	return b != nil && IsEstablished(b.a)
}

// ClampToWalkableArea implements [Area].
func (d *Deferred) ClampToWalkableArea(x, z float64) (float64, float64) {
	if b := d.inner.Load(); b != nil {
		return b.a.ClampToWalkableArea(x, z)
	}
	return x, z
}

// IsInsideWalkableArea implements [Area].
func (d *Deferred) IsInsideWalkableArea(x, z float64) bool {
	if b := d.inner.Load(); b != nil {
		return b.a.IsInsideWalkableArea(x, z)
	}
	return false
}

// RandomPointInWalkableArea implements [Area].
func (d *Deferred) RandomPointInWalkableArea() (float64, float64) {
	if b := d.inner.Load(); b != nil {
		return b.a.RandomPointInWalkableArea()
	}
	return 0, 0
}

// ConstrainMovement implements [Constrainer] when the installed area does;
// otherwise the move is returned unchanged.
func (d *Deferred) ConstrainMovement(fromX, fromZ, toX, toZ, y, radius float64) (float64, float64) {
	if b := d.inner.Load(); b != nil {
		if c, ok := b.a.(Constrainer); ok {
			return c.ConstrainMovement(fromX, fromZ, toX, toZ, y, radius)
		}
	}
	return toX, toZ
}

var (
	_ Area        = (*Deferred)(nil)
	_ Constrainer = (*Deferred)(nil)
	_ Establisher = (*Deferred)(nil)
)

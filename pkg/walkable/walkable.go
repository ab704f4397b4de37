// Package walkable defines the boundary and obstacle query service consumed by
// the navigation layer.
//
// The walkable area is the region of the scene an autonomous avatar may
// occupy. It is usually derived from a room scan or from configured geometry
// and is owned by the surrounding application, not by the navigation code.
// This package declares the narrow interfaces navigation depends on and ships
// a rectangular reference implementation ([Rect]) plus a late-binding wrapper
// ([Deferred]) for areas that only become known after a scan completes.
//
// All coordinates are world-space metres on the ground plane (x, z).
package walkable

// Area answers containment and sampling queries for a walkable region.
//
// Implementations must be safe for use from the simulation goroutine; the
// reference implementations in this package are also safe for concurrent use.
type Area interface {
	// ClampToWalkableArea returns the point inside the area closest to (x, z).
	// Points already inside are returned unchanged.
	ClampToWalkableArea(x, z float64) (float64, float64)

	// IsInsideWalkableArea reports whether (x, z) lies inside the area.
	IsInsideWalkableArea(x, z float64) bool

	// RandomPointInWalkableArea returns a point drawn uniformly from the area.
	RandomPointInWalkableArea() (float64, float64)
}

// Constrainer is implemented by areas that can also answer collision queries
// against static scene geometry. Navigation treats it as optional: when the
// area does not implement it, only stuck detection guards liveness.
type Constrainer interface {
	// ConstrainMovement returns the corrected next position for a body of the
	// given radius moving in a straight line from (fromX, fromZ) to (toX, toZ)
	// at height y. When the move is unobstructed (toX, toZ) is returned.
	ConstrainMovement(fromX, fromZ, toX, toZ, y, radius float64) (float64, float64)
}

// Establisher is implemented by areas whose geometry may not be known yet.
// Navigation falls back to a bounded disc around the spawn point while
// Established returns false.
type Establisher interface {
	Established() bool
}

// IsEstablished reports whether a is usable for navigation queries. A nil area
// is never established; an area that does not implement [Establisher] always is.
func IsEstablished(a Area) bool {
	if a == nil {
		return false
	}
	if e, ok := a.(Establisher); ok {
		return e.Established()
	}
	return true
}

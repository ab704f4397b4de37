package agent

import "math"

// Vec2 is a point or direction on the ground plane (world x, z).
type Vec2 struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Add returns v+o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Z + o.Z} }

// Sub returns v-o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Z - o.Z} }

// Scale returns v*s.
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Z * s} }

// Len returns the Euclidean length of v.
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Z) }

// Dist returns the distance between v and o.
func (v Vec2) Dist(o Vec2) float64 { return v.Sub(o).Len() }

// Normalize returns v scaled to unit length, or the zero vector when v is
// (nearly) zero.
func (v Vec2) Normalize() Vec2 {
	l := v.Len()
	if l < 1e-9 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Z / l}
}

// Yaw returns the heading angle of direction v around the vertical axis,
// measured from +z towards +x.
func (v Vec2) Yaw() float64 { return math.Atan2(v.X, v.Z) }

// WrapAngle maps a to (-π, π].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// RotateTowards turns from towards to by at most maxStep radians along the
// shorter arc and returns the new angle.
func RotateTowards(from, to, maxStep float64) float64 {
	delta := WrapAngle(to - from)
	if math.Abs(delta) <= maxStep {
		return WrapAngle(to)
	}
	return WrapAngle(from + math.Copysign(maxStep, delta))
}

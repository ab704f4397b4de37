package walkable

import "testing"

func TestRect_ClampAndInside(t *testing.T) {
	r := NewRect(5, 5, -5, -5, WithSeed(1))

	tests := []struct {
		name         string
		x, z         float64
		wantX, wantZ float64
		inside       bool
	}{
		{"centre", 0, 0, 0, 0, true},
		{"edge", 5, -5, 5, -5, true},
		{"outside x", 7, 1, 5, 1, false},
		{"outside both", -9, 12, -5, 5, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			x, z := r.ClampToWalkableArea(tc.x, tc.z)
			if x != tc.wantX || z != tc.wantZ {
				t.Errorf("clamp(%v,%v) = (%v,%v), want (%v,%v)", tc.x, tc.z, x, z, tc.wantX, tc.wantZ)
			}
			if got := r.IsInsideWalkableArea(tc.x, tc.z); got != tc.inside {
				t.Errorf("inside = %v, want %v", got, tc.inside)
			}
		})
	}
}

func TestRect_RandomPointCoversWholeRectangle(t *testing.T) {
	r := NewRect(-5, -5, 5, 5, WithSeed(42))

	// Count samples per quadrant and in the outer ring; a centre-biased
	// sampler would starve the ring.
	var quadrants [4]int
	ring := 0
	const n = 4000
	for range n {
		x, z := r.RandomPointInWalkableArea()
		if !r.IsInsideWalkableArea(x, z) {
			t.Fatalf("sample (%v,%v) outside rectangle", x, z)
		}
		q := 0
		if x >= 0 {
			q |= 1
		}
		if z >= 0 {
			q |= 2
		}
		quadrants[q]++
		if x < -4 || x > 4 || z < -4 || z > 4 {
			ring++
		}
	}
	for i, c := range quadrants {
		if c < n/4-200 || c > n/4+200 {
			t.Errorf("quadrant %d has %d samples, want about %d", i, c, n/4)
		}
	}
	// The ring is 36% of the area.
	if ring < n*30/100 {
		t.Errorf("outer ring has %d samples, want about %d", ring, n*36/100)
	}
}

func TestRect_ConstrainMovement(t *testing.T) {
	r := NewRect(-5, -5, 5, 5, WithObstacles(Box{MinX: 1, MinZ: -1, MaxX: 2, MaxZ: 1}))

	t.Run("free move", func(t *testing.T) {
		x, z := r.ConstrainMovement(-2, 0, -1.9, 0, 0, 0.3)
		if x != -1.9 || z != 0 {
			t.Errorf("got (%v,%v), want (-1.9,0)", x, z)
		}
	})

	t.Run("blocked head-on", func(t *testing.T) {
		x, z := r.ConstrainMovement(0.6, 0, 0.8, 0, 0, 0.3)
		if x != 0.6 || z != 0 {
			t.Errorf("got (%v,%v), want start position", x, z)
		}
	})

	t.Run("slides along z", func(t *testing.T) {
		// The x component runs into the box face; the z component alone is free.
		x, z := r.ConstrainMovement(0.6, 0.5, 0.8, 0.6, 0, 0.3)
		if x != 0.6 || z != 0.6 {
			t.Errorf("got (%v,%v), want (0.6,0.6)", x, z)
		}
	})
}

func TestDeferred(t *testing.T) {
	var d Deferred
	if IsEstablished(&d) {
		t.Fatal("empty Deferred must not be established")
	}
	if IsEstablished(nil) {
		t.Fatal("nil area must not be established")
	}

	d.Set(NewRect(-1, -1, 1, 1, WithSeed(3)))
	if !IsEstablished(&d) {
		t.Fatal("Deferred with area must be established")
	}
	x, z := d.ClampToWalkableArea(4, -4)
	if x != 1 || z != -1 {
		t.Errorf("clamp = (%v,%v), want (1,-1)", x, z)
	}

	d.Set(nil)
	if d.Established() {
		t.Error("Set(nil) must revert to unestablished")
	}
}

package navigation

import (
	"math"
	"testing"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/pkg/walkable"
)

const dt = 0.016

func newWanderer(t *testing.T, bounds walkable.Area) *agent.Agent {
	t.Helper()
	p, err := agent.DefaultPolicy(agent.ArchetypeWander)
	if err != nil {
		t.Fatalf("DefaultPolicy: %v", err)
	}
	a, err := agent.New("npc-1", "Resident", agent.Vec2{}, bounds, p)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return a
}

func seeded(seed uint64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	return cfg
}

// blocker is a walkable area whose collision query never lets the agent move.
type blocker struct {
	*walkable.Rect
}

func (b blocker) ConstrainMovement(fromX, fromZ, _, _, _, _ float64) (float64, float64) {
	return fromX, fromZ
}

// noCollision hides the Constrainer implementation of a Rect.
type noCollision struct {
	walkable.Area
}

func TestTick_BoundaryContainment(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(seed))
		a := newWanderer(t, bounds)
		c := New(seeded(seed))
		for i := range 1000 {
			c.Tick(a, dt)
			if !bounds.IsInsideWalkableArea(a.Position.X, a.Position.Z) {
				t.Fatalf("seed %d tick %d: position %v outside bounds", seed, i, a.Position)
			}
		}
	}
}

func TestTick_ScenarioDeadlineRetarget(t *testing.T) {
	bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(7))
	a := newWanderer(t, bounds)

	var reasons []Reason
	c := New(seeded(7), WithRetargetHook(func(_ string, r Reason) {
		reasons = append(reasons, r)
	}))

	const eps = 1e-9
	for range 1000 {
		c.Tick(a, dt)
		if a.Position.X < -5-eps || a.Position.X > 5+eps || a.Position.Z < -5-eps || a.Position.Z > 5+eps {
			t.Fatalf("position %v exceeds bounds", a.Position)
		}
	}

	deadline := 0
	for _, r := range reasons {
		if r == ReasonDeadline {
			deadline++
		}
	}
	if deadline == 0 {
		t.Fatalf("no deadline re-target in 16s of simulation; reasons = %v", reasons)
	}
}

func TestTick_ReachIdempotence(t *testing.T) {
	bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(3))
	a := newWanderer(t, bounds)
	c := New(seeded(3))

	c.Retarget(a, agent.Vec2{X: 1, Z: 0})
	for range 200 {
		c.Tick(a, dt)
		if st, _ := c.State(a.ID()); st.HasReachedTarget {
			break
		}
	}
	st, _ := c.State(a.ID())
	if !st.HasReachedTarget {
		t.Fatalf("target not reached, position %v", a.Position)
	}

	parked := a.Position
	retargets := st.Retargets
	// Stay well before the waypoint deadline.
	for range 100 {
		c.Tick(a, dt)
		if a.Position != parked {
			t.Fatalf("agent moved after reaching target: %v -> %v", parked, a.Position)
		}
		if a.Speed() != 0 {
			t.Fatalf("velocity = %v, want zero", a.Velocity)
		}
	}
	if st, _ := c.State(a.ID()); st.Retargets != retargets {
		t.Errorf("retargets changed from %d to %d while parked", retargets, st.Retargets)
	}
}

func TestTick_StuckRecovery(t *testing.T) {
	bounds := noCollision{walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(9))}
	a := newWanderer(t, bounds)
	c := New(seeded(9))

	c.Retarget(a, agent.Vec2{X: 4, Z: 4})
	hold := a.Position

	recovered := false
	for i := range 200 {
		// An external blocker pins the agent in place.
		a.Position = hold
		c.Tick(a, dt)
		st, _ := c.State(a.ID())
		if st.LastReason == ReasonStuck {
			if st.StuckTimer != 0 {
				t.Fatalf("stuck timer = %v after recovery, want 0", st.StuckTimer)
			}
			elapsed := float64(i+1) * dt
			if elapsed < c.Config().StuckThreshold {
				t.Fatalf("recovered after %.3fs, before threshold", elapsed)
			}
			recovered = true
			break
		}
	}
	if !recovered {
		t.Fatal("stuck detection never assigned a new waypoint")
	}
}

func TestTick_CollisionTakesPrecedenceAndCoolsDown(t *testing.T) {
	bounds := blocker{walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(11))}
	a := newWanderer(t, bounds)

	collisions := 0
	c := New(seeded(11), WithRetargetHook(func(_ string, r Reason) {
		if r == ReasonCollision {
			collisions++
		}
	}))
	c.Retarget(a, agent.Vec2{X: 4, Z: 4})

	// 0.5s cooldown over 1s of blocked movement allows at most a few hits.
	ticks := int(math.Round(1 / float64(dt)))
	for range ticks {
		c.Tick(a, dt)
		st, _ := c.State(a.ID())
		if st.LastReason == ReasonStuck {
			t.Fatal("stuck re-route fired while collision re-routes were available")
		}
	}
	if collisions == 0 {
		t.Fatal("expected a collision re-route")
	}
	maxHits := int(1.0/c.Config().CollisionCooldown) + 1
	if collisions > maxHits {
		t.Errorf("collisions = %d, want <= %d (cooldown not applied)", collisions, maxHits)
	}
	if a.Position != (agent.Vec2{}) {
		t.Errorf("blocked agent moved to %v", a.Position)
	}
}

func TestTick_FallbackDiscWithoutBounds(t *testing.T) {
	var scan walkable.Deferred
	a := newWanderer(t, &scan)
	a.Spawn = agent.Vec2{X: 10, Z: -3}
	a.Position = a.Spawn
	cfg := seeded(5)
	c := New(cfg)

	for i := range 2000 {
		c.Tick(a, dt)
		if d := a.Position.Dist(a.Spawn); d > cfg.FallbackRadius+1e-9 {
			t.Fatalf("tick %d: %.3fm from spawn, fallback radius %.1f", i, d, cfg.FallbackRadius)
		}
	}

	// Once the scan completes, the agent is clamped into the real area.
	scan.Set(walkable.NewRect(-2, -2, 2, 2, walkable.WithSeed(5)))
	c.Tick(a, dt)
	if !scan.IsInsideWalkableArea(a.Position.X, a.Position.Z) {
		t.Fatalf("position %v outside established area", a.Position)
	}
}

func TestTick_HeadingTurnsGradually(t *testing.T) {
	bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(2))
	a := newWanderer(t, bounds)
	a.Heading = 0 // facing +z
	c := New(seeded(2))
	c.Retarget(a, agent.Vec2{X: 0, Z: -4}) // directly behind

	c.Tick(a, dt)
	maxTurn := c.Config().TurnRate * dt
	if math.Abs(a.Heading) > maxTurn+1e-9 {
		t.Fatalf("heading jumped to %v in one tick, max %v", a.Heading, maxTurn)
	}
}

func TestTick_HandedOffAgentIsOnlyClamped(t *testing.T) {
	bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(4))
	a := newWanderer(t, bounds)
	c := New(seeded(4))

	a.HandOff()
	a.Position = agent.Vec2{X: 9, Z: 1}
	c.Tick(a, dt)
	if a.Position != (agent.Vec2{X: 5, Z: 1}) {
		t.Errorf("position = %v, want clamped (5,1)", a.Position)
	}
	if a.IsMoving() {
		t.Error("handed-off agent must report zero velocity")
	}
}

func TestTick_PlayerInput(t *testing.T) {
	bounds := walkable.NewRect(-5, -5, 5, 5, walkable.WithSeed(6))
	p, _ := agent.DefaultPolicy(agent.ArchetypePlayer)
	a, _ := agent.New("player", "You", agent.Vec2{}, bounds, p)
	c := New(seeded(6))

	c.SetInput(a, agent.Vec2{X: 1}, false)
	c.Tick(a, dt)
	want := p.WalkSpeed * dt
	if math.Abs(a.Position.X-want) > 1e-9 || a.Position.Z != 0 {
		t.Errorf("position = %v, want (%v,0)", a.Position, want)
	}

	c.SetInput(a, agent.Vec2{X: 1}, true)
	c.Tick(a, dt)
	if got := a.Speed(); math.Abs(got-p.WalkSpeed*c.Config().RunFactor) > 1e-9 {
		t.Errorf("run speed = %v", got)
	}

	c.SetInput(a, agent.Vec2{}, false)
	c.Tick(a, dt)
	if a.IsMoving() {
		t.Error("agent kept moving without input")
	}
	if st, _ := c.State(a.ID()); st.HasTarget {
		t.Error("player agent must not receive waypoints")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.ReachRadius = 0
	bad.StuckDecay = -1
	bad.RunFactor = 0.5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

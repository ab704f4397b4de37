// Package navigation steers autonomous avatars around a bounded walkable
// area.
//
// A [Controller] owns one [State] per agent and advances it once per
// simulation tick. Wandering agents pick uniformly random waypoints inside the
// walkable area, turn towards them at a bounded rate, and re-target when a
// deadline passes, when a collision query deflects them, or when they stop
// making progress. Player-driven agents follow input instead of waypoints.
// Every committed position is hard-clamped into the walkable area, or into a
// disc around the spawn point while the area is not yet established.
//
// Controllers are not safe for concurrent use; all calls happen on the
// simulation goroutine.
package navigation

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/pkg/walkable"
)

// Reason explains why a waypoint was assigned.
type Reason string

const (
	ReasonInitial   Reason = "initial"
	ReasonDeadline  Reason = "deadline"
	ReasonCollision Reason = "collision"
	ReasonStuck     Reason = "stuck"
	ReasonExternal  Reason = "external"
)

// State is the per-agent navigation state.
type State struct {
	// Target is the current destination.
	Target agent.Vec2

	// HasTarget is false until the first waypoint is assigned.
	HasTarget bool

	// HasReachedTarget is set once the agent is within the reach radius.
	HasReachedTarget bool

	// NextWaypointDeadline is the controller clock value that forces a new
	// waypoint even when the agent is not stuck.
	NextWaypointDeadline float64

	// StuckTimer accumulates time spent without meaningful displacement.
	StuckTimer float64

	// LastPosition is the position committed on the previous tick.
	LastPosition agent.Vec2

	// CollisionCooldown suppresses repeated collision re-routes.
	CollisionCooldown float64

	// Clock is the simulation time seen by this agent, in seconds.
	Clock float64

	// Retargets counts waypoint assignments over the agent's lifetime.
	Retargets int

	// LastReason is the reason of the most recent waypoint assignment.
	LastReason Reason

	input agent.Vec2
	run   bool
}

// Controller computes per-tick transforms for agents.
type Controller struct {
	cfg     Config
	rng     *rand.Rand
	states  map[string]*State
	metrics *observe.Metrics
	log     *slog.Logger

	onRetarget func(agentID string, reason Reason)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics records navigation counters to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithRetargetHook registers fn to be called on every waypoint assignment.
func WithRetargetHook(fn func(agentID string, reason Reason)) Option {
	return func(c *Controller) { c.onRetarget = fn }
}

// New creates a Controller. Zero-valued fields of cfg keep their zero value;
// start from [DefaultConfig] and override what you need.
func New(cfg Config, opts ...Option) *Controller {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	c := &Controller{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0xD1B54A32D192ED03)),
		states: make(map[string]*State),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConfig replaces the tuning. The random source and agent states are kept.
func (c *Controller) SetConfig(cfg Config) {
	cfg.Seed = c.cfg.Seed
	c.cfg = cfg
}

// Config returns the current tuning.
func (c *Controller) Config() Config { return c.cfg }

// State returns a copy of the navigation state of the agent with id.
func (c *Controller) State(id string) (State, bool) {
	st, ok := c.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Forget drops the state of a removed agent.
func (c *Controller) Forget(id string) {
	delete(c.states, id)
}

// Retarget assigns p (clamped into the walkable area) as the agent's new
// waypoint.
func (c *Controller) Retarget(a *agent.Agent, p agent.Vec2) {
	st := c.state(a)
	c.assign(a, st, c.clamp(a, p), ReasonExternal)
}

// SetInput sets the desired movement direction of a player-driven agent.
// A zero vector stops the agent. run requests the run speed.
func (c *Controller) SetInput(a *agent.Agent, dir agent.Vec2, run bool) {
	st := c.state(a)
	st.input = dir
	st.run = run
}

// Tick advances agent a by dt seconds.
func (c *Controller) Tick(a *agent.Agent, dt float64) {
	if dt <= 0 {
		return
	}
	st := c.state(a)
	st.Clock += dt
	st.CollisionCooldown = math.Max(0, st.CollisionCooldown-dt)

	if a.IsHandedOff() {
		// The rig owns the transform; only keep it inside the area.
		a.Position = c.clamp(a, a.Position)
		a.Velocity = agent.Vec2{}
		st.LastPosition = a.Position
		st.StuckTimer = 0
		return
	}

	if !a.Policy.WandersAutonomously() {
		c.tickInput(a, st, dt)
		return
	}
	c.tickWander(a, st, dt)
}

// tickWander runs the waypoint policy.
func (c *Controller) tickWander(a *agent.Agent, st *State, dt float64) {
	from := a.Position

	// 1. Waypoint selection.
	if !st.HasTarget {
		c.assign(a, st, c.randomPoint(a), ReasonInitial)
	} else if st.Clock >= st.NextWaypointDeadline {
		c.assign(a, st, c.randomPoint(a), ReasonDeadline)
	}

	// 2. Arrival is terminal until the next re-target.
	dist := from.Dist(st.Target)
	if dist <= c.cfg.ReachRadius {
		st.HasReachedTarget = true
		a.Velocity = agent.Vec2{}
		a.Position = c.clamp(a, from)
		st.LastPosition = a.Position
		st.StuckTimer = 0
		return
	}

	// 3. Turn and advance.
	dir := st.Target.Sub(from).Normalize()
	a.Heading = agent.RotateTowards(a.Heading, dir.Yaw(), c.cfg.TurnRate*dt)
	step := math.Min(c.speed(a), dist/dt) * dt
	proposed := from.Add(dir.Scale(step))

	// 4. Collision query.
	next, rerouted := c.constrain(a, st, from, proposed)

	// 5. Stuck tracking. A collision re-route this tick wins and has already
	// reset the timer.
	if !rerouted {
		c.trackProgress(a, st, next, dt)
	}

	// 6. Hard clamp before committing.
	c.commit(a, st, from, next, dt)
}

// tickInput moves a player-driven agent along its input direction.
func (c *Controller) tickInput(a *agent.Agent, st *State, dt float64) {
	from := a.Position
	dir := st.input
	if l := dir.Len(); l > 1 {
		dir = dir.Scale(1 / l)
	}
	if dir.Len() < 1e-6 {
		a.Velocity = agent.Vec2{}
		a.Position = c.clamp(a, from)
		st.LastPosition = a.Position
		return
	}
	speed := a.Policy.WalkSpeed
	if st.run && c.cfg.RunFactor > 0 {
		speed *= c.cfg.RunFactor
	}
	a.Heading = agent.RotateTowards(a.Heading, dir.Yaw(), c.cfg.TurnRate*dt)
	proposed := from.Add(dir.Scale(speed * dt))
	next := proposed
	if cons, ok := c.constrainer(a); ok {
		x, z := cons.ConstrainMovement(from.X, from.Z, proposed.X, proposed.Z, a.Y, c.cfg.BodyRadius)
		next = agent.Vec2{X: x, Z: z}
	}
	c.commit(a, st, from, next, dt)
}

// constrain applies the collision query and re-routes on a hit outside the
// cooldown. It reports whether a re-route happened.
func (c *Controller) constrain(a *agent.Agent, st *State, from, proposed agent.Vec2) (agent.Vec2, bool) {
	cons, ok := c.constrainer(a)
	if !ok {
		return proposed, false
	}
	x, z := cons.ConstrainMovement(from.X, from.Z, proposed.X, proposed.Z, a.Y, c.cfg.BodyRadius)
	next := agent.Vec2{X: x, Z: z}
	if next.Dist(proposed) <= c.cfg.CollisionEpsilon {
		return next, false
	}
	if st.CollisionCooldown > 0 {
		return next, false
	}
	c.metrics.RecordCollision(context.Background())
	c.assign(a, st, c.randomPoint(a), ReasonCollision)
	st.CollisionCooldown = c.cfg.CollisionCooldown
	st.StuckTimer = 0
	return next, true
}

// trackProgress accumulates or drains the stuck timer and forces a new
// waypoint once it passes the threshold.
func (c *Controller) trackProgress(a *agent.Agent, st *State, next agent.Vec2, dt float64) {
	if next.Dist(st.LastPosition) < c.cfg.StuckEpsilon {
		st.StuckTimer += dt
	} else {
		st.StuckTimer = math.Max(0, st.StuckTimer-dt*c.cfg.StuckDecay)
	}
	if st.StuckTimer > c.cfg.StuckThreshold {
		c.metrics.RecordStuckRecovery(context.Background())
		c.assign(a, st, c.randomPoint(a), ReasonStuck)
		st.StuckTimer = 0
	}
}

func (c *Controller) commit(a *agent.Agent, st *State, from, next agent.Vec2, dt float64) {
	next = c.clamp(a, next)
	a.Velocity = next.Sub(from).Scale(1 / dt)
	a.Position = next
	st.LastPosition = next
}

// assign installs target as the agent's waypoint and schedules the next
// forced re-target.
func (c *Controller) assign(a *agent.Agent, st *State, target agent.Vec2, reason Reason) {
	st.Target = target
	st.HasTarget = true
	st.HasReachedTarget = false
	st.Retargets++
	st.LastReason = reason

	dwell := a.Policy.DwellScale
	if dwell <= 0 {
		dwell = 1
	}
	st.NextWaypointDeadline = st.Clock + (c.cfg.WaypointInterval+c.rng.Float64()*c.cfg.WaypointJitter)*dwell

	c.metrics.RecordRetarget(context.Background(), string(reason))
	c.log.Debug("navigation: new waypoint",
		"agent", a.ID(),
		"reason", reason,
		"x", target.X,
		"z", target.Z,
	)
	if c.onRetarget != nil {
		c.onRetarget(a.ID(), reason)
	}
}

// randomPoint draws a waypoint uniformly from the walkable area, or from the
// fallback disc around the spawn point.
func (c *Controller) randomPoint(a *agent.Agent) agent.Vec2 {
	if walkable.IsEstablished(a.Bounds) {
		x, z := a.Bounds.RandomPointInWalkableArea()
		return agent.Vec2{X: x, Z: z}
	}
	// sqrt keeps the density uniform over the disc area.
	r := c.cfg.FallbackRadius * math.Sqrt(c.rng.Float64())
	theta := 2 * math.Pi * c.rng.Float64()
	return a.Spawn.Add(agent.Vec2{X: r * math.Sin(theta), Z: r * math.Cos(theta)})
}

// clamp forces p into the walkable area or the fallback disc.
func (c *Controller) clamp(a *agent.Agent, p agent.Vec2) agent.Vec2 {
	if walkable.IsEstablished(a.Bounds) {
		x, z := a.Bounds.ClampToWalkableArea(p.X, p.Z)
		return agent.Vec2{X: x, Z: z}
	}
	off := p.Sub(a.Spawn)
	if l := off.Len(); l > c.cfg.FallbackRadius {
		return a.Spawn.Add(off.Scale(c.cfg.FallbackRadius / l))
	}
	return p
}

func (c *Controller) constrainer(a *agent.Agent) (walkable.Constrainer, bool) {
	if !walkable.IsEstablished(a.Bounds) {
		return nil, false
	}
	cons, ok := a.Bounds.(walkable.Constrainer)
	return cons, ok
}

func (c *Controller) speed(a *agent.Agent) float64 {
	if a.Policy.WalkSpeed > 0 {
		return a.Policy.WalkSpeed
	}
	return 1
}

func (c *Controller) state(a *agent.Agent) *State {
	st, ok := c.states[a.ID()]
	if !ok {
		st = &State{LastPosition: a.Position}
		c.states[a.ID()] = st
	}
	return st
}

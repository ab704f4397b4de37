package navigation

import (
	"errors"
	"fmt"
)

// Config holds the tuning constants of a [Controller]. Distances are metres,
// durations seconds, rates radians per second.
type Config struct {
	// ReachRadius is the distance at which a waypoint counts as reached.
	ReachRadius float64 `yaml:"reach_radius"`

	// TurnRate bounds how fast the heading may rotate towards the waypoint.
	TurnRate float64 `yaml:"turn_rate"`

	// WaypointInterval is the base delay before a forced re-target.
	WaypointInterval float64 `yaml:"waypoint_interval"`

	// WaypointJitter is the upper bound of the uniform random delay added to
	// WaypointInterval so that agents do not re-target in lockstep.
	WaypointJitter float64 `yaml:"waypoint_jitter"`

	// CollisionCooldown suppresses repeated collision re-routes after a hit.
	CollisionCooldown float64 `yaml:"collision_cooldown"`

	// CollisionEpsilon is how far the constrained position may differ from the
	// proposed one before the move counts as a hit.
	CollisionEpsilon float64 `yaml:"collision_epsilon"`

	// StuckEpsilon is the per-tick displacement under which the agent counts
	// as not making progress.
	StuckEpsilon float64 `yaml:"stuck_epsilon"`

	// StuckThreshold is the accumulated no-progress time that forces a new
	// waypoint.
	StuckThreshold float64 `yaml:"stuck_threshold"`

	// StuckDecay scales how fast the stuck timer drains while moving.
	StuckDecay float64 `yaml:"stuck_decay"`

	// FallbackRadius bounds wandering around the spawn point while the
	// walkable area is not established.
	FallbackRadius float64 `yaml:"fallback_radius"`

	// BodyRadius is passed to collision queries.
	BodyRadius float64 `yaml:"body_radius"`

	// RunFactor multiplies the walk speed for player input flagged as running.
	RunFactor float64 `yaml:"run_factor"`

	// Seed seeds the controller's random source. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ReachRadius:       0.3,
		TurnRate:          4,
		WaypointInterval:  8,
		WaypointJitter:    4,
		CollisionCooldown: 0.5,
		CollisionEpsilon:  1e-3,
		StuckEpsilon:      1e-3,
		StuckThreshold:    1.5,
		StuckDecay:        1,
		FallbackRadius:    5,
		BodyRadius:        0.3,
		RunFactor:         2,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name string
		v    float64
	}{
		{"reach_radius", c.ReachRadius},
		{"turn_rate", c.TurnRate},
		{"waypoint_interval", c.WaypointInterval},
		{"stuck_threshold", c.StuckThreshold},
		{"fallback_radius", c.FallbackRadius},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("navigation: %s must be positive, got %g", p.name, p.v))
		}
	}
	nonNegative := []struct {
		name string
		v    float64
	}{
		{"waypoint_jitter", c.WaypointJitter},
		{"collision_cooldown", c.CollisionCooldown},
		{"collision_epsilon", c.CollisionEpsilon},
		{"stuck_epsilon", c.StuckEpsilon},
		{"stuck_decay", c.StuckDecay},
		{"body_radius", c.BodyRadius},
	}
	for _, p := range nonNegative {
		if p.v < 0 {
			errs = append(errs, fmt.Errorf("navigation: %s must not be negative, got %g", p.name, p.v))
		}
	}
	if c.RunFactor != 0 && c.RunFactor < 1 {
		errs = append(errs, fmt.Errorf("navigation: run_factor must be >= 1, got %g", c.RunFactor))
	}
	return errors.Join(errs...)
}

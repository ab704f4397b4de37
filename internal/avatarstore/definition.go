// Package avatarstore provides persistent storage for avatar definitions. A
// [Definition] is the declarative description of one avatar: identity,
// archetype, spawn point, the animation clips its rig ships with, and the
// action names the state machine drives. Definitions can be declared in the
// YAML config, stored in a database, or both.
//
// The primary abstraction is the [Store] interface. [MemStore] keeps
// definitions in memory, [PostgresStore] stores them in a single
// avatar_definitions table using JSONB columns for structured sub-fields, and
// [SQLiteStore] does the same in a local SQLite file for single-host setups.
package avatarstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/animation"
)

// Point is a ground-plane position in metres.
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Z float64 `yaml:"z" json:"z"`
}

// Vec converts p to the agent package's vector type.
func (p Point) Vec() agent.Vec2 { return agent.Vec2{X: p.X, Z: p.Z} }

// Definition is the full declarative configuration for an avatar.
type Definition struct {
	// ID is the unique identifier of the avatar.
	ID string `yaml:"id" json:"id"`

	// SceneID groups avatars that share a scene. Empty means the default
	// scene.
	SceneID string `yaml:"scene_id" json:"scene_id"`

	// Name is the display name. Defaults to ID.
	Name string `yaml:"name" json:"name"`

	// Archetype selects the behaviour preset. An empty value defaults to
	// "wander".
	Archetype agent.Archetype `yaml:"archetype" json:"archetype"`

	// Spawn is where the avatar enters the scene.
	Spawn Point `yaml:"spawn" json:"spawn"`

	// WalkSpeed overrides the archetype's cruising speed when non-zero.
	WalkSpeed float64 `yaml:"walk_speed" json:"walk_speed"`

	// RunThreshold overrides the archetype's run threshold when non-zero.
	RunThreshold float64 `yaml:"run_threshold" json:"run_threshold"`

	// Clips lists the animation clips of the avatar's rig.
	Clips []animation.Clip `yaml:"clips" json:"clips"`

	// Actions overrides the conventional clip names per role. Empty fields
	// keep the default name.
	Actions agent.ActionNames `yaml:"actions" json:"actions"`

	// IdleVariants are one-shot clips occasionally played while idle.
	IdleVariants []string `yaml:"idle_variants" json:"idle_variants"`

	// Attributes holds arbitrary metadata passed through to the render feed.
	Attributes map[string]any `yaml:"attributes" json:"attributes"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the definition for logical consistency. It returns a joined
// error describing every violation found, or nil if the definition is valid.
func (d *Definition) Validate() error {
	var errs []error

	if d.ID == "" {
		errs = append(errs, errors.New("avatarstore: id must not be empty"))
	}
	if d.Archetype != "" && !d.Archetype.IsValid() {
		errs = append(errs, fmt.Errorf("avatarstore: archetype must be \"wander\", \"assistant\", or \"player\", got %q", d.Archetype))
	}
	if d.WalkSpeed < 0 {
		errs = append(errs, fmt.Errorf("avatarstore: walk_speed must not be negative, got %g", d.WalkSpeed))
	}
	if d.RunThreshold < 0 {
		errs = append(errs, fmt.Errorf("avatarstore: run_threshold must not be negative, got %g", d.RunThreshold))
	}

	names := make(map[string]struct{}, len(d.Clips))
	for i, c := range d.Clips {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("avatarstore: clips[%d]: name must not be empty", i))
			continue
		}
		if _, dup := names[c.Name]; dup {
			errs = append(errs, fmt.Errorf("avatarstore: clips[%d]: duplicate clip %q", i, c.Name))
		}
		names[c.Name] = struct{}{}
		if c.Duration <= 0 {
			errs = append(errs, fmt.Errorf("avatarstore: clips[%d] (%q): duration must be positive, got %g", i, c.Name, c.Duration))
		}
	}
	if len(d.Clips) > 0 {
		for _, v := range d.IdleVariants {
			if _, ok := names[v]; !ok {
				errs = append(errs, fmt.Errorf("avatarstore: idle variant %q is not a clip", v))
			}
		}
	}

	return errors.Join(errs...)
}

// DisplayName returns Name, or ID when Name is empty.
func (d *Definition) DisplayName() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name
}

// Policy resolves the archetype preset and applies the definition's
// overrides.
func (d *Definition) Policy() (agent.Policy, error) {
	arch := d.Archetype
	if arch == "" {
		arch = agent.ArchetypeWander
	}
	p, err := agent.DefaultPolicy(arch)
	if err != nil {
		return agent.Policy{}, fmt.Errorf("avatarstore: %s: %w", d.ID, err)
	}
	if d.WalkSpeed > 0 {
		p.WalkSpeed = d.WalkSpeed
	}
	if d.RunThreshold > 0 {
		p.RunThreshold = d.RunThreshold
	}
	a := d.Actions
	for _, o := range []struct {
		dst *string
		src string
	}{
		{&p.Actions.Idle, a.Idle},
		{&p.Actions.Walk, a.Walk},
		{&p.Actions.Run, a.Run},
		{&p.Actions.Sit, a.Sit},
		{&p.Actions.Sleep, a.Sleep},
	} {
		if o.src != "" {
			*o.dst = o.src
		}
	}
	p.IdleVariants = append([]string(nil), d.IdleVariants...)
	return p, nil
}

// Package agent defines the per-avatar record shared by the navigation,
// animation, and lip-sync components, and the archetype policy that
// parameterises them.
//
// One [Agent] exists per spawned avatar. Identity is immutable after
// creation; the transform is written only by the navigation controller, or by
// an external controller rig while the agent is handed off to it.
package agent

import (
	"fmt"

	"github.com/MrWong99/marionette/pkg/walkable"
)

// Agent is the shared per-avatar record.
type Agent struct {
	id          string
	displayName string

	// Position is the world-space ground-plane position.
	Position Vec2

	// Y is the height of the agent's feet, passed through to collision queries.
	Y float64

	// Heading is the yaw angle in radians (see [Vec2.Yaw]).
	Heading float64

	// Velocity is the movement applied in the last tick; zero when idle.
	Velocity Vec2

	// Spawn is where the agent entered the scene. It centres the fallback
	// wander disc while Bounds is not established.
	Spawn Vec2

	// Bounds references the shared walkable-area service. Not owned.
	Bounds walkable.Area

	// Policy selects archetype behaviour and action names.
	Policy Policy

	handedOff bool
}

// New creates an agent at spawn. id must be non-empty.
func New(id, displayName string, spawn Vec2, bounds walkable.Area, policy Policy) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent: id must not be empty")
	}
	if displayName == "" {
		displayName = id
	}
	return &Agent{
		id:          id,
		displayName: displayName,
		Position:    spawn,
		Spawn:       spawn,
		Bounds:      bounds,
		Policy:      policy,
	}, nil
}

// ID returns the agent's immutable identifier.
func (a *Agent) ID() string { return a.id }

// DisplayName returns the agent's immutable display name.
func (a *Agent) DisplayName() string { return a.displayName }

// Speed returns the magnitude of the current velocity.
func (a *Agent) Speed() float64 { return a.Velocity.Len() }

// IsMoving reports whether the agent moved meaningfully in the last tick.
func (a *Agent) IsMoving() bool { return a.Speed() > movingEpsilon }

// HandOff marks the agent as driven by an external controller rig. Navigation
// stops steering it but keeps enforcing the walkable bounds.
func (a *Agent) HandOff() { a.handedOff = true }

// Reclaim returns control of the agent to navigation.
func (a *Agent) Reclaim() { a.handedOff = false }

// IsHandedOff reports whether an external controller rig owns the transform.
func (a *Agent) IsHandedOff() bool { return a.handedOff }

// movingEpsilon is the speed (m/s) below which an agent counts as idle.
const movingEpsilon = 0.05

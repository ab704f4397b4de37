package agent

import "fmt"

// Archetype selects how an avatar decides where to go.
type Archetype string

const (
	// ArchetypeWander is a resident that roams between random waypoints.
	ArchetypeWander Archetype = "wander"

	// ArchetypeAssistant wanders like a resident but slower and with longer
	// dwell times between waypoints.
	ArchetypeAssistant Archetype = "assistant"

	// ArchetypePlayer is driven by user input instead of waypoints.
	ArchetypePlayer Archetype = "player"
)

// IsValid reports whether a is a recognised archetype.
func (a Archetype) IsValid() bool {
	switch a {
	case ArchetypeWander, ArchetypeAssistant, ArchetypePlayer:
		return true
	}
	return false
}

// ActionNames maps semantic animation roles to clip names for one avatar.
// An empty name means the avatar has no clip for that role.
type ActionNames struct {
	Idle  string `yaml:"idle" json:"idle"`
	Walk  string `yaml:"walk" json:"walk"`
	Run   string `yaml:"run" json:"run"`
	Sit   string `yaml:"sit" json:"sit"`
	Sleep string `yaml:"sleep" json:"sleep"`
}

// DefaultActionNames returns the conventional clip names.
func DefaultActionNames() ActionNames {
	return ActionNames{
		Idle:  "Idle",
		Walk:  "Walking",
		Run:   "Running",
		Sit:   "Sit",
		Sleep: "Sleep",
	}
}

// Policy parameterises navigation and animation for one archetype. It
// replaces per-character controller implementations.
type Policy struct {
	Archetype Archetype

	// WalkSpeed is the cruising speed in m/s.
	WalkSpeed float64

	// RunThreshold is the speed above which the run clip is preferred.
	// Zero disables running.
	RunThreshold float64

	// DwellScale multiplies the waypoint re-target interval. 1 is neutral.
	DwellScale float64

	// Actions names the locomotion and lock clips.
	Actions ActionNames

	// IdleVariants are one-shot clips occasionally played while idle.
	IdleVariants []string
}

// DefaultPolicy returns the preset for archetype.
func DefaultPolicy(archetype Archetype) (Policy, error) {
	p := Policy{
		Archetype:  archetype,
		WalkSpeed:  1.2,
		DwellScale: 1,
		Actions:    DefaultActionNames(),
	}
	switch archetype {
	case ArchetypeWander:
	case ArchetypeAssistant:
		p.WalkSpeed = 0.9
		p.DwellScale = 1.5
	case ArchetypePlayer:
		p.WalkSpeed = 2.0
		p.RunThreshold = 2.5
	default:
		return Policy{}, fmt.Errorf("agent: unknown archetype %q", archetype)
	}
	return p, nil
}

// WandersAutonomously reports whether the navigation controller picks
// waypoints for this policy.
func (p Policy) WandersAutonomously() bool {
	return p.Archetype != ArchetypePlayer
}

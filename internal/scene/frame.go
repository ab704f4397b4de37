package scene

import (
	"github.com/MrWong99/marionette/internal/animation"
	"github.com/MrWong99/marionette/internal/lipsync"
)

// Frame is the render-side snapshot published after every tick.
type Frame struct {
	// Seq increases by one per tick.
	Seq uint64 `json:"seq"`

	// Time is the simulation clock in seconds.
	Time float64 `json:"time"`

	Avatars []AvatarFrame `json:"avatars"`

	// Speech is nil while no avatar has mouth movement.
	Speech *SpeechFrame `json:"speech,omitempty"`
}

// AvatarFrame is the transform and animation state of one avatar.
type AvatarFrame struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`

	// Action is the last requested animation action.
	Action string `json:"action"`

	Sitting  bool `json:"sitting,omitempty"`
	Sleeping bool `json:"sleeping,omitempty"`
	OneShot  bool `json:"one_shot,omitempty"`

	// HandedOff is set while an external controller rig owns the transform.
	HandedOff bool `json:"handed_off,omitempty"`

	Clips []animation.ClipWeight `json:"clips"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpeechFrame carries the viseme weights of the avatar currently speaking.
type SpeechFrame struct {
	AgentID string `json:"agent_id"`

	// Live is set while the microphone drives the mouth.
	Live bool `json:"live"`

	// Speaking is false while the weights decay after the session ended.
	Speaking bool `json:"speaking"`

	Visemes map[lipsync.Viseme]float64 `json:"visemes"`
}

// Sink receives every published frame on the tick goroutine. Publish must not
// block.
type Sink interface {
	Publish(f *Frame)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(f *Frame)

// Publish implements [Sink].
func (fn SinkFunc) Publish(f *Frame) { fn(f) }

package animation

import (
	"math"
	"sort"
)

// LoopMode controls what happens when an action reaches the end of its clip.
type LoopMode int

const (
	// LoopRepeat wraps around to the start.
	LoopRepeat LoopMode = iota

	// LoopOnce plays the clip a single time.
	LoopOnce
)

// Clip describes one loadable animation.
type Clip struct {
	Name     string  `yaml:"name" json:"name"`
	Duration float64 `yaml:"duration" json:"duration"`
}

// ClipWeight is the render-side view of one active clip.
type ClipWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Time   float64 `json:"time"`
}

// ActionHandle is a playable instance of a clip. The [Machine] only talks to
// clips through this interface so that an engine-native mixer can replace
// the built-in [Mixer].
type ActionHandle interface {
	Name() string

	// Play starts advancing the action.
	Play()

	// Stop halts the action and drops its weight to zero.
	Stop()

	// Reset rewinds to the first frame and clears the finished state.
	Reset()

	// FadeIn ramps the weight from 0 to 1 over d seconds.
	FadeIn(d float64)

	// FadeOut ramps the weight from its current value to 0 over d seconds and
	// stops the action at the end of the ramp.
	FadeOut(d float64)

	SetLoop(mode LoopMode)

	// SetClampWhenFinished keeps a LoopOnce action on its final frame instead
	// of stopping it.
	SetClampWhenFinished(clamp bool)

	// Done reports whether a LoopOnce action has reached its final frame.
	Done() bool

	Weight() float64
	IsRunning() bool
}

// Player owns a set of actions and advances them in time.
type Player interface {
	// Actions returns the action handles by clip name. The key set must not
	// change after construction.
	Actions() map[string]ActionHandle

	// Update advances every running action by dt seconds.
	Update(dt float64)

	// Active returns the running clips with their blend weights.
	Active() []ClipWeight
}

// Action is the [Mixer]'s [ActionHandle].
type Action struct {
	clip Clip

	time     float64
	weight   float64
	running  bool
	finished bool
	loop     LoopMode
	clamp    bool

	fading      bool
	fadeFrom    float64
	fadeTo      float64
	fadeDur     float64
	fadeElapsed float64
}

// Name implements [ActionHandle].
func (a *Action) Name() string { return a.clip.Name }

// Play implements [ActionHandle].
func (a *Action) Play() {
	a.running = true
	if !a.fading && a.weight == 0 {
		a.weight = 1
	}
}

// Stop implements [ActionHandle].
func (a *Action) Stop() {
	a.running = false
	a.fading = false
	a.weight = 0
}

// Reset implements [ActionHandle].
func (a *Action) Reset() {
	a.time = 0
	a.finished = false
}

// FadeIn implements [ActionHandle].
func (a *Action) FadeIn(d float64) { a.fade(0, 1, d) }

// FadeOut implements [ActionHandle].
func (a *Action) FadeOut(d float64) { a.fade(a.weight, 0, d) }

func (a *Action) fade(from, to, d float64) {
	if d <= 0 {
		a.fading = false
		a.weight = to
		if to == 0 {
			a.running = false
		}
		return
	}
	a.fading = true
	a.fadeFrom = from
	a.fadeTo = to
	a.fadeDur = d
	a.fadeElapsed = 0
	a.weight = from
}

// SetLoop implements [ActionHandle].
func (a *Action) SetLoop(mode LoopMode) { a.loop = mode }

// SetClampWhenFinished implements [ActionHandle].
func (a *Action) SetClampWhenFinished(clamp bool) { a.clamp = clamp }

// Done implements [ActionHandle].
func (a *Action) Done() bool { return a.loop == LoopOnce && a.finished }

// Weight implements [ActionHandle].
func (a *Action) Weight() float64 { return a.weight }

// IsRunning implements [ActionHandle].
func (a *Action) IsRunning() bool { return a.running }

func (a *Action) update(dt float64) {
	if !a.running {
		return
	}
	if !a.finished {
		a.time += dt
		if a.clip.Duration > 0 && a.time >= a.clip.Duration {
			switch a.loop {
			case LoopOnce:
				a.time = a.clip.Duration
				a.finished = true
				if !a.clamp {
					a.Stop()
					return
				}
			default:
				a.time = math.Mod(a.time, a.clip.Duration)
			}
		}
	}
	if a.fading {
		a.fadeElapsed += dt
		t := math.Min(1, a.fadeElapsed/a.fadeDur)
		a.weight = a.fadeFrom + (a.fadeTo-a.fadeFrom)*t
		if t >= 1 {
			a.fading = false
			if a.fadeTo == 0 {
				a.running = false
			}
		}
	}
}

// Mixer is the built-in [Player]. It keeps per-clip time and weight and
// serves as the scene binding for renderers that consume clip weights.
type Mixer struct {
	actions map[string]*Action
	handles map[string]ActionHandle
	order   []string
}

// NewMixer creates a mixer with one action per clip. Clips with duplicate
// names keep the first definition.
func NewMixer(clips ...Clip) *Mixer {
	m := &Mixer{
		actions: make(map[string]*Action, len(clips)),
		handles: make(map[string]ActionHandle, len(clips)),
	}
	for _, c := range clips {
		if c.Name == "" {
			continue
		}
		if _, dup := m.actions[c.Name]; dup {
			continue
		}
		a := &Action{clip: c}
		m.actions[c.Name] = a
		m.handles[c.Name] = a
		m.order = append(m.order, c.Name)
	}
	sort.Strings(m.order)
	return m
}

// Actions implements [Player].
func (m *Mixer) Actions() map[string]ActionHandle { return m.handles }

// Update implements [Player].
func (m *Mixer) Update(dt float64) {
	for _, name := range m.order {
		m.actions[name].update(dt)
	}
}

// Active implements [Player]. Clips are sorted by name.
func (m *Mixer) Active() []ClipWeight {
	var out []ClipWeight
	for _, name := range m.order {
		a := m.actions[name]
		if !a.running {
			continue
		}
		out = append(out, ClipWeight{Name: name, Weight: a.weight, Time: a.time})
	}
	return out
}

var _ Player = (*Mixer)(nil)

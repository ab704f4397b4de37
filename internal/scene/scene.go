// Package scene runs the per-tick simulation of every spawned avatar.
//
// A [Scene] owns the avatars of one walkable area together with the shared
// navigation controller and the lip-sync engine of the scene's single face
// rig slot. Each [Scene.Tick] advances, in spawn order, every avatar's
// navigation and then its animation state machine, then ticks lip-sync once,
// and finally publishes a [Frame] to every registered [Sink].
//
// All scene state is owned by the tick goroutine. Other goroutines submit
// work with [Scene.Do]; queued functions run at the start of the next tick.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/animation"
	"github.com/MrWong99/marionette/internal/avatarstore"
	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/internal/navigation"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/pkg/walkable"
)

var (
	// ErrDuplicate is returned by Spawn for an ID that is already in the
	// scene.
	ErrDuplicate = errors.New("scene: avatar already spawned")

	// ErrUnknownAvatar is returned for an ID that is not in the scene.
	ErrUnknownAvatar = errors.New("scene: unknown avatar")
)

// PlayerFactory builds the clip player of a newly spawned avatar.
type PlayerFactory func(def avatarstore.Definition) animation.Player

type avatar struct {
	def   avatarstore.Definition
	agent *agent.Agent
	anim  *animation.Machine
}

// Scene is the simulation of one walkable area.
type Scene struct {
	bounds  walkable.Area
	nav     *navigation.Controller
	lips    *lipsync.Engine
	animCfg animation.Config
	players PlayerFactory
	sinks   []Sink
	metrics *observe.Metrics
	log     *slog.Logger

	avatars []*avatar
	byID    map[string]*avatar

	clock   float64
	seq     uint64
	speaker string

	mu      sync.Mutex
	pending []func(*Scene)

	frame    atomic.Pointer[Frame]
	lastTick atomic.Int64
}

// Option configures a [Scene].
type Option func(*Scene)

// WithAnimationConfig sets the state machine timing of spawned avatars.
func WithAnimationConfig(cfg animation.Config) Option {
	return func(s *Scene) { s.animCfg = cfg }
}

// WithPlayerFactory replaces the built-in [animation.Mixer] binding.
func WithPlayerFactory(f PlayerFactory) Option {
	return func(s *Scene) { s.players = f }
}

// WithSink registers a frame consumer.
func WithSink(sink Sink) Option {
	return func(s *Scene) { s.sinks = append(s.sinks, sink) }
}

// WithMetrics records tick and agent metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scene) { s.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scene) { s.log = l }
}

// New creates an empty scene over bounds. nav and lips are owned by the
// scene from now on and must only be used from the tick goroutine.
func New(bounds walkable.Area, nav *navigation.Controller, lips *lipsync.Engine, opts ...Option) *Scene {
	s := &Scene{
		bounds:  bounds,
		nav:     nav,
		lips:    lips,
		animCfg: animation.DefaultConfig(),
		players: func(def avatarstore.Definition) animation.Player {
			return animation.NewMixer(def.Clips...)
		},
		byID: make(map[string]*avatar),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.frame.Store(&Frame{})
	return s
}

// Spawn adds an avatar at its spawn point.
func (s *Scene) Spawn(def avatarstore.Definition) (*agent.Agent, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.byID[def.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, def.ID)
	}
	policy, err := def.Policy()
	if err != nil {
		return nil, err
	}
	a, err := agent.New(def.ID, def.DisplayName(), def.Spawn.Vec(), s.bounds, policy)
	if err != nil {
		return nil, fmt.Errorf("scene: spawn %q: %w", def.ID, err)
	}
	m := animation.New(def.ID, s.players(def), policy, s.animCfg,
		animation.WithMetrics(s.metrics),
		animation.WithLogger(s.log),
	)
	m.OnOneShotComplete(func(agentID, oneShot, restored string) {
		s.log.Debug("scene: one-shot finished", "agent", agentID, "action", oneShot, "restored", restored)
	})

	av := &avatar{def: def, agent: a, anim: m}
	s.avatars = append(s.avatars, av)
	s.byID[def.ID] = av
	s.metrics.RecordAgents(context.Background(), 1)
	s.log.Info("scene: avatar spawned", "agent", def.ID, "archetype", policy.Archetype, "clips", len(def.Clips))
	return a, nil
}

// Remove takes an avatar out of the scene, ending its speech if it is the
// current speaker. It reports whether the avatar existed.
func (s *Scene) Remove(id string) bool {
	av, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	for i, x := range s.avatars {
		if x == av {
			s.avatars = append(s.avatars[:i], s.avatars[i+1:]...)
			break
		}
	}
	s.nav.Forget(id)
	if s.lips.Speaker() == id {
		s.lips.StopSpeaking()
	}
	if s.speaker == id {
		s.speaker = ""
	}
	s.metrics.RecordAgents(context.Background(), -1)
	s.log.Info("scene: avatar removed", "agent", id)
	return true
}

// Agent returns the record of the avatar with id.
func (s *Scene) Agent(id string) (*agent.Agent, bool) {
	av, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return av.agent, true
}

// Animation returns the state machine of the avatar with id.
func (s *Scene) Animation(id string) (*animation.Machine, bool) {
	av, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return av.anim, true
}

// Definition returns the definition the avatar with id was spawned from.
func (s *Scene) Definition(id string) (avatarstore.Definition, bool) {
	av, ok := s.byID[id]
	if !ok {
		return avatarstore.Definition{}, false
	}
	return av.def, true
}

// IDs returns the avatar IDs in spawn order.
func (s *Scene) IDs() []string {
	ids := make([]string, len(s.avatars))
	for i, av := range s.avatars {
		ids[i] = av.def.ID
	}
	return ids
}

// Navigation returns the scene's navigation controller.
func (s *Scene) Navigation() *navigation.Controller { return s.nav }

// LipSync returns the scene's lip-sync engine.
func (s *Scene) LipSync() *lipsync.Engine { return s.lips }

// SetAnimationConfig applies cfg to every avatar, present and future.
func (s *Scene) SetAnimationConfig(cfg animation.Config) {
	s.animCfg = cfg
	for _, av := range s.avatars {
		av.anim.SetConfig(cfg)
	}
}

// Speak binds src to the avatar with id as the scene's speaker.
func (s *Scene) Speak(ctx context.Context, id string, src lipsync.Source) error {
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAvatar, id)
	}
	return s.lips.StartSpeaking(ctx, id, src)
}

// Do queues fn to run on the tick goroutine at the start of the next tick.
// It is safe for concurrent use.
func (s *Scene) Do(fn func(*Scene)) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

// Call queues fn like [Scene.Do] and waits until it has run or ctx is done.
func (s *Scene) Call(ctx context.Context, fn func(*Scene) error) error {
	done := make(chan error, 1)
	s.Do(func(s *Scene) { done <- fn(s) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick advances the simulation by dt seconds and publishes a frame.
func (s *Scene) Tick(dt float64) {
	start := time.Now()
	s.runPending()

	s.clock += dt
	for _, av := range s.avatars {
		s.nav.Tick(av.agent, dt)
		av.anim.Tick(dt, animation.Motion{
			Moving: av.agent.IsMoving(),
			Speed:  av.agent.Speed(),
		})
	}
	s.lips.Tick(dt)

	f := s.snapshot()
	s.frame.Store(f)
	for _, sink := range s.sinks {
		sink.Publish(f)
	}

	s.lastTick.Store(time.Now().UnixNano())
	s.metrics.RecordTick(context.Background(), time.Since(start).Seconds())
}

func (s *Scene) runPending() {
	s.mu.Lock()
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Frame returns the most recently published frame. It is safe for
// concurrent use; the frame must not be modified.
func (s *Scene) Frame() *Frame { return s.frame.Load() }

// LastTick returns the wall time of the last completed tick, or the zero
// time before the first.
func (s *Scene) LastTick() time.Time {
	ns := s.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Scene) snapshot() *Frame {
	s.seq++
	f := &Frame{
		Seq:     s.seq,
		Time:    s.clock,
		Avatars: make([]AvatarFrame, 0, len(s.avatars)),
	}
	for _, av := range s.avatars {
		a := av.agent
		flags := av.anim.Flags()
		f.Avatars = append(f.Avatars, AvatarFrame{
			ID:         a.ID(),
			Name:       a.DisplayName(),
			X:          a.Position.X,
			Y:          a.Y,
			Z:          a.Position.Z,
			Heading:    a.Heading,
			Speed:      a.Speed(),
			Action:     av.anim.Current(),
			Sitting:    flags.Sitting,
			Sleeping:   flags.Sleeping,
			OneShot:    flags.PlayingOneShot,
			HandedOff:  a.IsHandedOff(),
			Clips:      av.anim.Weights(),
			Attributes: av.def.Attributes,
		})
	}

	if id := s.lips.Speaker(); id != "" {
		s.speaker = id
	}
	if s.speaker == "" {
		return f
	}
	w := s.lips.Weights()
	speaking := s.lips.IsSpeaking()
	if !speaking && silent(w) {
		s.speaker = ""
		return f
	}
	f.Speech = &SpeechFrame{
		AgentID:  s.speaker,
		Live:     s.lips.IsMicrophoneModeActive(),
		Speaking: speaking,
		Visemes:  w,
	}
	return f
}

func silent(w map[lipsync.Viseme]float64) bool {
	for _, v := range w {
		if v > 0 {
			return false
		}
	}
	return true
}

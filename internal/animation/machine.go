// Package animation sequences skeletal animation clips for one avatar.
//
// A [Machine] owns the named actions of an agent and arbitrates between three
// kinds of transition: locomotion crossfades driven by movement, one-shot
// interrupts that restore the previous action when they finish, and sit/sleep
// locks. Requests that are illegal in the current state are logged no-ops.
// One-shot completion is polled once per [Machine.Tick] from the action's
// Done state; there are no clip-level listeners to register or remove.
//
// Machines are not safe for concurrent use.
package animation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/marionette/internal/agent"
	"github.com/MrWong99/marionette/internal/observe"
)

// ErrUnknownAction is reported when a transition names a clip the agent does
// not have.
var ErrUnknownAction = errors.New("animation: unknown action")

// Rejection reasons recorded in metrics and logs.
const (
	rejectUnknown       = "unknown_action"
	rejectLocked        = "locked"
	rejectOneShotActive = "oneshot_active"
)

// Transition kinds recorded in metrics.
const (
	kindLocomotion = "locomotion"
	kindOneShot    = "oneshot"
	kindRestore    = "restore"
	kindLock       = "lock"
)

// Flags are the mutually exclusive locked behaviours.
type Flags struct {
	PlayingOneShot bool `json:"playing_one_shot"`
	Sitting        bool `json:"sitting"`
	Sleeping       bool `json:"sleeping"`
}

// Locked reports whether ordinary locomotion is suppressed.
func (f Flags) Locked() bool { return f.PlayingOneShot || f.Sitting || f.Sleeping }

// Motion is the movement summary the caller derives from navigation.
type Motion struct {
	Moving bool
	Speed  float64
}

// Config holds the timing constants of a [Machine].
type Config struct {
	// Crossfade is the fade-out and fade-in duration of every transition.
	Crossfade float64 `yaml:"crossfade"`

	// IdleVarietyAfter is how long an unlocked agent must stand idle before a
	// random idle variant plays. Zero disables idle variety.
	IdleVarietyAfter float64 `yaml:"idle_variety_after"`

	// Seed seeds idle variant selection. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the stock timing.
func DefaultConfig() Config {
	return Config{Crossfade: 0.3, IdleVarietyAfter: 12}
}

// CompletionFunc is called when a one-shot finishes. restored is the action
// that was crossfaded back in, or empty if there was nothing to restore.
type CompletionFunc func(agentID, oneShot, restored string)

// Machine is the per-agent animation state.
type Machine struct {
	agentID string
	player  Player
	actions map[string]ActionHandle
	known   []string
	names   agent.ActionNames
	runAt   float64
	idles   []string
	cfg     Config
	rng     *rand.Rand

	current   string
	interrupt string // at most one level deep
	lockSaved string
	flags     Flags
	idleFor   float64

	onComplete []CompletionFunc
	metrics    *observe.Metrics
	log        *slog.Logger
}

// Option configures a [Machine].
type Option func(*Machine)

// WithMetrics records transition counters to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Machine) { s.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Machine) { s.log = l }
}

// New creates a Machine for agentID over the actions of player. The idle
// action from policy starts playing immediately if the agent has one.
func New(agentID string, player Player, policy agent.Policy, cfg Config, opts ...Option) *Machine {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Machine{
		agentID: agentID,
		player:  player,
		actions: player.Actions(),
		names:   policy.Actions,
		runAt:   policy.RunThreshold,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	for name := range s.actions {
		s.known = append(s.known, name)
	}
	sort.Strings(s.known)
	for _, v := range policy.IdleVariants {
		if s.Has(v) {
			s.idles = append(s.idles, v)
		}
	}
	if s.Has(s.names.Idle) {
		s.crossfadeTo(s.names.Idle, LoopRepeat)
	}
	return s
}

// SetConfig replaces the timing constants. The seed is kept.
func (s *Machine) SetConfig(cfg Config) {
	cfg.Seed = s.cfg.Seed
	s.cfg = cfg
}

// Has reports whether the agent has an action called name.
func (s *Machine) Has(name string) bool {
	if name == "" {
		return false
	}
	_, ok := s.actions[name]
	return ok
}

// Current returns the action most recently made to play.
func (s *Machine) Current() string { return s.current }

// Flags returns the lock flags.
func (s *Machine) Flags() Flags { return s.flags }

// Weights returns the active clips and their blend weights.
func (s *Machine) Weights() []ClipWeight { return s.player.Active() }

// OnOneShotComplete registers fn to run after every finished one-shot.
func (s *Machine) OnOneShotComplete(fn CompletionFunc) {
	s.onComplete = append(s.onComplete, fn)
}

// PlayLocomotion crossfades to name. It is refused while a one-shot or lock
// is active. Requesting the action that is already current does nothing and
// reports true.
func (s *Machine) PlayLocomotion(name string) bool {
	if s.flags.Locked() {
		s.reject(name, rejectLocked)
		return false
	}
	if !s.Has(name) {
		s.unknown(name)
		return false
	}
	if name == s.current {
		return true
	}
	s.crossfadeTo(name, LoopRepeat)
	s.metrics.RecordTransition(context.Background(), kindLocomotion)
	return true
}

// PlayOneShot interrupts the current action with name, played once and
// clamped on its final frame. The interrupted action is restored by
// [Machine.Tick] when the one-shot finishes.
func (s *Machine) PlayOneShot(name string) bool {
	switch {
	case s.flags.PlayingOneShot:
		s.reject(name, rejectOneShotActive)
		return false
	case s.flags.Sitting || s.flags.Sleeping:
		s.reject(name, rejectLocked)
		return false
	case !s.Has(name):
		s.unknown(name)
		return false
	}
	s.interrupt = s.current
	s.crossfadeTo(name, LoopOnce)
	s.flags.PlayingOneShot = true
	s.idleFor = 0
	s.metrics.RecordTransition(context.Background(), kindOneShot)
	return true
}

// ToggleSit enters or leaves the sit lock. Entering while asleep first wakes
// the agent.
func (s *Machine) ToggleSit() bool {
	return s.toggleLock(&s.flags.Sitting, &s.flags.Sleeping, s.names.Sit)
}

// ToggleSleep enters or leaves the sleep lock. Entering while sitting first
// stands the agent up.
func (s *Machine) ToggleSleep() bool {
	return s.toggleLock(&s.flags.Sleeping, &s.flags.Sitting, s.names.Sleep)
}

func (s *Machine) toggleLock(self, other *bool, name string) bool {
	if s.flags.PlayingOneShot {
		s.reject(name, rejectOneShotActive)
		return false
	}
	if *self {
		*self = false
		s.restore(s.lockSaved, kindLock)
		s.lockSaved = ""
		return true
	}
	if !s.Has(name) {
		s.unknown(name)
		return false
	}
	if *other {
		*other = false
		s.restore(s.lockSaved, kindLock)
		s.lockSaved = ""
	}
	s.lockSaved = s.current
	s.crossfadeTo(name, LoopRepeat)
	*self = true
	s.idleFor = 0
	s.metrics.RecordTransition(context.Background(), kindLock)
	s.log.Debug("animation: lock entered", "agent", s.agentID, "action", name, "saved", s.lockSaved)
	return true
}

// Tick advances the clips by dt seconds, completes a finished one-shot, and
// keeps the locomotion action in line with motion.
func (s *Machine) Tick(dt float64, motion Motion) {
	if dt < 0 {
		dt = 0
	}
	s.player.Update(dt)

	if s.flags.PlayingOneShot {
		if h, ok := s.actions[s.current]; ok && h.Done() {
			s.finishOneShot()
		}
	}
	if s.flags.Locked() {
		return
	}

	if want := s.locomotionFor(motion); want != "" && want != s.current {
		s.crossfadeTo(want, LoopRepeat)
		s.metrics.RecordTransition(context.Background(), kindLocomotion)
	}

	if motion.Moving || s.cfg.IdleVarietyAfter <= 0 || len(s.idles) == 0 {
		s.idleFor = 0
		return
	}
	s.idleFor += dt
	if s.idleFor >= s.cfg.IdleVarietyAfter {
		s.idleFor = 0
		s.PlayOneShot(s.idles[s.rng.IntN(len(s.idles))])
	}
}

func (s *Machine) finishOneShot() {
	done := s.current
	restored := s.interrupt
	s.flags.PlayingOneShot = false
	s.interrupt = ""
	s.restore(restored, kindRestore)
	if !s.Has(restored) {
		restored = ""
	}

	s.metrics.RecordOneShotCompleted(context.Background())
	s.log.Debug("animation: one-shot complete", "agent", s.agentID, "action", done, "restored", restored)
	for _, fn := range s.onComplete {
		fn(s.agentID, done, restored)
	}
}

// restore crossfades back to a saved action, or fades the current one out
// when nothing was saved.
func (s *Machine) restore(name, kind string) {
	if s.Has(name) {
		s.crossfadeTo(name, LoopRepeat)
		s.metrics.RecordTransition(context.Background(), kind)
		return
	}
	if h, ok := s.actions[s.current]; ok {
		h.FadeOut(s.cfg.Crossfade)
	}
	s.current = ""
}

// locomotionFor maps motion to the walk, run or idle action.
func (s *Machine) locomotionFor(m Motion) string {
	if !m.Moving {
		if s.Has(s.names.Idle) {
			return s.names.Idle
		}
		return ""
	}
	if s.runAt > 0 && m.Speed > s.runAt && s.Has(s.names.Run) {
		return s.names.Run
	}
	if s.Has(s.names.Walk) {
		return s.names.Walk
	}
	return ""
}

// crossfadeTo fades the current action out and name in over the same
// duration.
func (s *Machine) crossfadeTo(name string, loop LoopMode) {
	next := s.actions[name]
	if prev, ok := s.actions[s.current]; ok && s.current != name {
		prev.FadeOut(s.cfg.Crossfade)
	}
	next.Reset()
	next.SetLoop(loop)
	next.SetClampWhenFinished(loop == LoopOnce)
	next.Play()
	next.FadeIn(s.cfg.Crossfade)
	s.current = name
}

func (s *Machine) reject(name, reason string) {
	s.metrics.RecordRejected(context.Background(), reason)
	s.log.Debug("animation: transition refused",
		"agent", s.agentID,
		"action", name,
		"reason", reason,
		"current", s.current,
		"flags", s.flags,
	)
}

func (s *Machine) unknown(name string) {
	s.metrics.RecordRejected(context.Background(), rejectUnknown)
	attrs := []any{"agent", s.agentID, "action", name, "err", ErrUnknownAction}
	if hint := s.suggest(name); hint != "" {
		attrs = append(attrs, "did_you_mean", hint)
	}
	s.log.Warn("animation: ignoring unknown action", attrs...)
}

// suggest returns the known action name closest to name, if any is close
// enough to be a plausible typo.
func (s *Machine) suggest(name string) string {
	const minScore = 0.8
	best, bestScore := "", 0.0
	for _, k := range s.known {
		if score := matchr.JaroWinkler(name, k, false); score > bestScore {
			best, bestScore = k, score
		}
	}
	if bestScore < minScore {
		return ""
	}
	return best
}

package scene

import (
	"context"
	"log/slog"
	"time"
)

// maxStep caps the dt of a single tick after a stall so that agents do not
// tunnel through obstacles.
const maxStep = 0.25

// Runtime drives a [Scene] from a fixed-rate ticker.
type Runtime struct {
	scene  *Scene
	period time.Duration
	log    *slog.Logger
}

// NewRuntime creates a runtime ticking s hz times per second.
func NewRuntime(s *Scene, hz int) *Runtime {
	if hz <= 0 {
		hz = 60
	}
	return &Runtime{scene: s, period: time.Second / time.Duration(hz), log: s.log}
}

// Period returns the nominal tick interval.
func (r *Runtime) Period() time.Duration { return r.period }

// Run ticks the scene until ctx is cancelled. dt is the measured wall time
// since the previous tick, capped at maxStep. It then closes the scene's
// lip-sync engine and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	t := time.NewTicker(r.period)
	defer t.Stop()

	r.log.Info("scene: runtime started", "period", r.period, "avatars", len(r.scene.avatars))
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			// Apply pending commands so that callers blocked in Call return.
			r.scene.runPending()
			if err := r.scene.lips.Close(); err != nil {
				r.log.Warn("scene: closing lip-sync", "err", err)
			}
			r.log.Info("scene: runtime stopped", "ticks", r.scene.seq)
			return nil
		case now := <-t.C:
			dt := min(now.Sub(last).Seconds(), maxStep)
			last = now
			r.scene.Tick(dt)
		}
	}
}

// Package lipsync turns speech audio into smoothed viseme blend weights.
//
// An [Engine] drives the face rig of at most one speaking agent at a time.
// Audio arrives from a [Source] on the source's own goroutine and is reduced
// by an [Analyzer] to a [Features] snapshot; [Engine.Tick] samples the latest
// snapshot once per frame and eases the weights towards the detected viseme.
//
// Playback and microphone start-up are asynchronous. Their outcomes, like a
// clip's natural end or a lost capture device, are queued as events and
// applied at the start of the next Tick, so every state change happens on
// the tick goroutine. All Engine methods must be called from that goroutine.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/pkg/audio"
)

// ErrClosed is returned after [Engine.Close].
var ErrClosed = errors.New("lipsync: engine closed")

// eventQueueSize bounds the number of undrained asynchronous outcomes.
const eventQueueSize = 64

// ErrorFunc receives playback and capture failures.
type ErrorFunc func(agentID string, err error)

type eventKind int

const (
	evEnded eventKind = iota
	evFailed
	evRetry
	evMic
)

type event struct {
	kind    eventKind
	session uint64
	err     error

	// evMic only.
	gen    uint64
	stream CaptureStream
	result chan<- error
}

// session is one speaking binding of a source to an agent.
type session struct {
	id       uint64
	agentID  string
	src      Source
	kind     Kind
	analyzer *Analyzer
	ctx      context.Context
	cancel   context.CancelFunc
	retried  bool
}

// sessionTap forwards a source's audio into its session.
type sessionTap struct {
	e *Engine
	s *session
}

func (t sessionTap) Feed(f audio.AudioFrame) { t.s.analyzer.Feed(f) }
func (t sessionTap) End()                    { t.e.post(t.s.ctx, event{kind: evEnded, session: t.s.id}) }
func (t sessionTap) Fail(err error) {
	t.e.post(t.s.ctx, event{kind: evFailed, session: t.s.id, err: err})
}

// liveState tracks microphone mode.
type liveState struct {
	active  bool
	pending bool
	gen     uint64
	agentID string
	stream  CaptureStream
}

// Engine is the lip-sync state of one face rig slot.
type Engine struct {
	cfg     Config
	mic     Microphone
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	log     *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	events   chan event

	// acquiring tracks microphone acquisitions in flight.
	acquiring sync.WaitGroup

	nextID   uint64
	cur      *session
	speaking bool
	lastKind Kind
	w        weights

	history []Viseme
	histPos int
	histLen int

	live    liveState
	onError []ErrorFunc
	closed  bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMicrophone enables live-capture mode.
func WithMicrophone(m Microphone) Option {
	return func(e *Engine) { e.mic = m }
}

// WithBreaker replaces the default microphone circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithMetrics records speech counters to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine. cfg should start from [DefaultConfig].
func New(cfg Config, opts ...Option) *Engine {
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		log:      slog.Default(),
		base:     base,
		stopBase: stop,
		events:   make(chan event, eventQueueSize),
		history:  make([]Viseme, max(1, cfg.HistorySize)),
	}
	for _, o := range opts {
		o(e)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "microphone",
			MaxFailures:  cfg.MicMaxFailures,
			ResetTimeout: cfg.MicCooldown,
			HalfOpenMax:  1,
		})
	}
	return e
}

// SetConfig replaces the tuning. It takes effect on the next tick; the vote
// window is resized and cleared.
func (e *Engine) SetConfig(cfg Config) {
	e.cfg = cfg
	e.history = make([]Viseme, max(1, cfg.HistorySize))
	e.histPos, e.histLen = 0, 0
}

// OnError registers fn to receive failures that ended a session or
// prevented live capture.
func (e *Engine) OnError(fn ErrorFunc) { e.onError = append(e.onError, fn) }

// IsSpeaking reports whether a session is bound.
func (e *Engine) IsSpeaking() bool { return e.speaking }

// IsMicrophoneModeActive reports whether a capture device is held.
func (e *Engine) IsMicrophoneModeActive() bool { return e.live.active }

// Speaker returns the agent of the current session, or "".
func (e *Engine) Speaker() string {
	if e.cur == nil {
		return ""
	}
	return e.cur.agentID
}

// Features returns the latest analysis of the current session.
func (e *Engine) Features() Features {
	if e.cur == nil {
		return Features{Viseme: Sil}
	}
	return e.cur.analyzer.Snapshot()
}

// Weights returns a copy of the viseme weights.
func (e *Engine) Weights() map[Viseme]float64 { return e.w.toMap() }

// StartSpeaking stops any current session and binds src to agentID. ctx is
// checked before the session starts; the session then runs until it ends,
// fails, or is stopped. A source whose Start is aborted transiently is
// retried once when it reports ready, and the call still succeeds.
func (e *Engine) StartSpeaking(ctx context.Context, agentID string, src Source) error {
	if e.closed {
		return ErrClosed
	}
	if src == nil {
		return errors.New("lipsync: start speaking: nil source")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lipsync: start speaking: %w", err)
	}
	e.endSession()

	e.nextID++
	s := &session{
		id:       e.nextID,
		agentID:  agentID,
		src:      src,
		kind:     src.Kind(),
		analyzer: NewAnalyzer(e.cfg.WindowSize),
	}
	s.ctx, s.cancel = context.WithCancel(e.base)

	if err := e.start(s); err != nil {
		s.cancel()
		e.stopSource(s)
		e.metrics.RecordSpeechError(ctx, "start")
		e.report(agentID, err)
		return fmt.Errorf("lipsync: start speaking: %w", err)
	}

	e.cur = s
	e.speaking = true
	e.lastKind = s.kind
	e.histPos, e.histLen = 0, 0
	e.metrics.RecordSpeechStart(ctx, s.kind.String())
	e.log.Debug("lipsync: speaking", "agent", agentID, "mode", s.kind.String(), "session", s.id)
	return nil
}

// start begins delivery, arranging a single retry for transient aborts.
func (e *Engine) start(s *session) error {
	err := s.src.Start(s.ctx, sessionTap{e, s})
	if err == nil {
		return nil
	}
	r, ok := s.src.(Readier)
	if !ok || s.retried || !errors.Is(err, ErrPlaybackAborted) {
		return err
	}
	s.retried = true
	e.log.Debug("lipsync: playback aborted, retrying when ready", "agent", s.agentID, "err", err)
	ready := r.Ready()
	go func() {
		select {
		case <-ready:
			e.post(s.ctx, event{kind: evRetry, session: s.id})
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// StopSpeaking ends the current session. Weights relax towards zero over
// the following ticks. It is a no-op when nothing is speaking. Stopping a
// live session also releases the microphone, so live mode can be enabled
// again afterwards.
func (e *Engine) StopSpeaking() {
	if e.cur == nil {
		return
	}
	e.log.Debug("lipsync: stop speaking", "agent", e.cur.agentID, "session", e.cur.id)
	if e.cur.kind == KindLive && e.live.active {
		e.releaseMic()
		return
	}
	e.endSession()
}

func (e *Engine) endSession() {
	s := e.cur
	if s == nil {
		return
	}
	e.cur = nil
	s.cancel()
	e.stopSource(s)
	if e.speaking {
		e.metrics.RecordSpeechEnd(context.Background())
	}
	e.speaking = false
}

func (e *Engine) stopSource(s *session) {
	if err := s.src.Stop(); err != nil {
		e.log.Warn("lipsync: stopping source", "agent", s.agentID, "err", err)
	}
}

// SetLiveCaptureMode enables or disables microphone mode for agentID. The
// returned channel receives exactly one result: for an enable, on the tick
// after acquisition finishes, when [Engine.IsMicrophoneModeActive] already
// reflects it; for a disable, immediately. Repeating the current mode is a
// no-op that reports nil. Enabling starts a live speaking session for
// agentID; disabling ends it and releases the device.
func (e *Engine) SetLiveCaptureMode(ctx context.Context, agentID string, enabled bool) <-chan error {
	res := make(chan error, 1)
	switch {
	case !enabled:
		if e.live.pending {
			// The arriving stream is released when its event is drained.
			e.live.pending = false
			e.live.gen++
		}
		e.releaseMic()
		res <- nil
	case e.closed:
		res <- ErrClosed
	case e.mic == nil:
		res <- errors.New("lipsync: live capture: no microphone configured")
	case e.live.active || e.live.pending:
		res <- nil
	default:
		e.live.gen++
		e.live.pending = true
		e.live.agentID = agentID
		gen := e.live.gen
		e.acquiring.Go(func() { e.acquire(ctx, gen, res) })
	}
	return res
}

// acquire runs off the tick goroutine. Close cancels ctx and waits for it.
func (e *Engine) acquire(ctx context.Context, gen uint64, res chan<- error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.base, cancel)()

	var stream CaptureStream
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		s, err := e.mic.Acquire(ctx)
		stream = s
		return err
	})
	if e.base.Err() != nil {
		if stream != nil {
			_ = stream.Close()
		}
		res <- ErrClosed
		return
	}
	ev := event{kind: evMic, gen: gen, stream: stream, err: err, result: res}
	select {
	case e.events <- ev:
	case <-e.base.Done():
		if stream != nil {
			_ = stream.Close()
		}
		res <- ErrClosed
	}
}

func (e *Engine) releaseMic() {
	if !e.live.active {
		return
	}
	if e.cur != nil && e.cur.kind == KindLive {
		e.endSession()
	}
	stream := e.live.stream
	e.live.active = false
	e.live.stream = nil
	if err := stream.Close(); err != nil {
		e.log.Warn("lipsync: releasing microphone", "err", err)
	}
	e.log.Info("lipsync: live capture disabled", "agent", e.live.agentID)
}

// Tick applies queued events and advances the weights by dt seconds.
func (e *Engine) Tick(dt float64) {
	e.drain()
	if dt <= 0 {
		return
	}
	if !e.speaking || e.cur == nil {
		e.relax(e.cfg.rates(e.lastKind).Reset, dt)
		return
	}

	rates := e.cfg.rates(e.cur.kind)
	f := e.cur.analyzer.Snapshot()
	if f.Seq == 0 {
		e.relax(rates.Reset, dt)
		return
	}
	v := f.Viseme
	if e.cur.kind == KindLive {
		if f.Volume < e.cfg.NoiseGate {
			e.relax(rates.Reset, dt)
			return
		}
		v = e.vote(v)
	}
	e.drive(v, rates, dt)
}

func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.events:
			e.handle(ev)
		default:
			return
		}
	}
}

func (e *Engine) handle(ev event) {
	if ev.kind == evMic {
		e.handleMic(ev)
		return
	}
	s := e.cur
	if s == nil || s.id != ev.session {
		return // stale
	}
	switch ev.kind {
	case evEnded:
		e.log.Debug("lipsync: source ended", "agent", s.agentID, "session", s.id)
		e.endSession()
	case evFailed:
		e.fail(s, ev.err)
	case evRetry:
		if err := s.src.Start(s.ctx, sessionTap{e, s}); err != nil {
			e.fail(s, fmt.Errorf("retry: %w", err))
		}
	}
}

func (e *Engine) fail(s *session, err error) {
	e.endSession()
	kind := "playback"
	if errors.Is(err, ErrDeviceLost) {
		kind = "device"
	}
	e.metrics.RecordSpeechError(context.Background(), kind)
	if s.kind == KindLive {
		e.releaseMic()
	}
	e.report(s.agentID, err)
}

func (e *Engine) handleMic(ev event) {
	if e.closed || ev.gen != e.live.gen || !e.live.pending {
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
		switch {
		case e.closed:
			ev.err = ErrClosed
		case ev.err == nil:
			ev.err = ErrLiveCaptureInactive
		}
		ev.result <- ev.err
		return
	}
	e.live.pending = false
	ctx := context.Background()
	if ev.err != nil {
		status := "error"
		switch {
		case errors.Is(ev.err, resilience.ErrCircuitOpen):
			status = "circuit_open"
		case errors.Is(ev.err, ErrPermissionDenied):
			status = "denied"
		}
		e.metrics.RecordMicAcquisition(ctx, status)
		err := fmt.Errorf("lipsync: acquire microphone: %w", ev.err)
		e.report(e.live.agentID, err)
		ev.result <- err
		return
	}

	e.metrics.RecordMicAcquisition(ctx, "ok")
	ev.stream.SetMonitor(false)
	e.live.active = true
	e.live.stream = ev.stream
	e.log.Info("lipsync: live capture enabled", "agent", e.live.agentID)

	if err := e.StartSpeaking(ctx, e.live.agentID, newCaptureSource(ev.stream)); err != nil {
		e.releaseMic()
		ev.result <- err
		return
	}
	ev.result <- nil
}

// post queues ev unless ctx ends first.
func (e *Engine) post(ctx context.Context, ev event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) report(agentID string, err error) {
	e.log.Warn("lipsync: speech failed", "agent", agentID, "err", err)
	for _, fn := range e.onError {
		fn(agentID, err)
	}
}

// vote pushes v into the history ring and returns the most frequent entry.
// Ties go to the most recent.
func (e *Engine) vote(v Viseme) Viseme {
	n := len(e.history)
	e.history[e.histPos] = v
	e.histPos = (e.histPos + 1) % n
	e.histLen = min(e.histLen+1, n)

	var counts [numVisemes]int
	for i := range e.histLen {
		if idx := e.history[i].index(); idx >= 0 {
			counts[idx]++
		}
	}
	best, bestCount := v, 0
	for i := 1; i <= e.histLen; i++ {
		c := e.history[(e.histPos-i+n)%n]
		if idx := c.index(); idx >= 0 && counts[idx] > bestCount {
			best, bestCount = c, counts[idx]
		}
	}
	return best
}

// drive eases v towards 1 and every other viseme towards 0.
func (e *Engine) drive(v Viseme, r Rates, dt float64) {
	target := v.index()
	rate := r.Consonant
	if v.IsVowel() {
		rate = r.Vowel
	}
	up := perTick(rate, dt)
	down := perTick(r.Reset, dt)
	for i := range e.w {
		if i == target {
			e.w[i] = math.Min(1, e.w[i]+(1-e.w[i])*up)
			continue
		}
		e.w[i] = e.decay(e.w[i], down)
	}
}

func (e *Engine) relax(rate, dt float64) {
	down := perTick(rate, dt)
	for i := range e.w {
		e.w[i] = e.decay(e.w[i], down)
	}
}

func (e *Engine) decay(w, f float64) float64 {
	w -= w * f
	if w < e.cfg.SnapBelow || w < 0 {
		return 0
	}
	return w
}

// perTick converts a 60 Hz lerp factor to the factor for a tick of dt
// seconds.
func perTick(rate, dt float64) float64 {
	if rate >= 1 {
		return 1
	}
	return 1 - math.Pow(1-rate, dt*60)
}

// Close ends any session, releases the microphone, and zeroes the weights
// immediately. A pending acquisition is cancelled and waited for; its
// result channel receives [ErrClosed].
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.endSession()
	var err error
	if e.live.active {
		err = e.live.stream.Close()
		e.live.active = false
		e.live.stream = nil
	}
	e.live.pending = false
	e.live.gen++
	e.closed = true
	e.stopBase()
	e.acquiring.Wait()
	e.w = weights{}
	e.drain()
	return err
}

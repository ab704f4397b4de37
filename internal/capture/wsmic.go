// Package capture provides a [lipsync.Microphone] whose device is a remote
// publisher: a WebSocket client that streams Opus voice packets, one binary
// message per 20 ms packet.
//
// At most one publisher is connected at a time. Acquire waits a bounded time
// for a publisher to appear and reports [lipsync.ErrPermissionDenied] when
// none does, so the lip-sync engine's circuit breaker treats an absent
// publisher like a refused device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/pkg/audio"
	"github.com/MrWong99/marionette/pkg/audio/opus"
)

// ErrBusy is returned by Acquire while another capture stream holds the
// publisher.
var ErrBusy = errors.New("capture: publisher already in use")

// Microphone is an [http.Handler] accepting publishers and a
// [lipsync.Microphone] handing their packets to the engine.
type Microphone struct {
	channels int
	wait     time.Duration
	queue    int
	origins  []string
	log      *slog.Logger

	mu      sync.Mutex
	pub     *publisher
	arrived chan struct{} // closed and replaced when a publisher connects
}

var _ lipsync.Microphone = (*Microphone)(nil)

type publisher struct {
	packets chan []byte
	done    chan struct{} // closed when the connection ends
	claimed bool
	monitor bool

	errMu sync.Mutex
	err   error
}

func (p *publisher) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

func (p *publisher) readErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Option configures a [Microphone].
type Option func(*Microphone)

// WithChannels sets the Opus channel count of publishers. Default 1.
func WithChannels(n int) Option {
	return func(m *Microphone) { m.channels = n }
}

// WithAcquireWait bounds how long Acquire waits for a publisher. Default 5s.
func WithAcquireWait(d time.Duration) Option {
	return func(m *Microphone) {
		if d > 0 {
			m.wait = d
		}
	}
}

// WithQueue sets how many undecoded packets may be buffered. Default 50 (one
// second of audio).
func WithQueue(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.queue = n
		}
	}
}

// WithOriginPatterns allows cross-origin publishers from hosts matching the
// given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(m *Microphone) { m.origins = append(m.origins, patterns...) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Microphone) { m.log = l }
}

// New creates a microphone without a publisher.
func New(opts ...Option) *Microphone {
	m := &Microphone{
		channels: 1,
		wait:     5 * time.Second,
		queue:    50,
		log:      slog.Default(),
		arrived:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connected reports whether a publisher is attached.
func (m *Microphone) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pub != nil
}

// Monitoring reports whether the claimed stream asked for monitoring.
func (m *Microphone) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pub != nil && m.pub.monitor
}

// ServeHTTP upgrades a publisher connection and reads packets until the
// client disconnects. A second concurrent publisher is refused.
func (m *Microphone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: m.origins})
	if err != nil {
		m.log.Debug("capture: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	p := &publisher{
		packets: make(chan []byte, m.queue),
		done:    make(chan struct{}),
	}
	if !m.attach(p) {
		conn.Close(websocket.StatusPolicyViolation, "another publisher is connected")
		return
	}
	m.log.Info("capture: publisher connected", "remote", r.RemoteAddr)

	err = m.read(ctx, conn, p)
	m.detach(p)
	p.setErr(err)
	close(p.packets)
	close(p.done)

	switch {
	case err == nil:
		m.log.Info("capture: publisher disconnected", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		m.log.Warn("capture: publisher lost", "remote", r.RemoteAddr, "err", err)
	}
}

// read pumps binary messages into p.packets. It returns nil for a normal
// closure by either side.
func (m *Microphone) read(ctx context.Context, conn *websocket.Conn, p *publisher) error {
	var dropped int
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("capture: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case p.packets <- data:
		default:
			// Nobody is consuming (unclaimed) or the decoder fell behind.
			dropped++
			if dropped%250 == 1 {
				m.log.Debug("capture: dropping packets", "dropped", dropped)
			}
		}
	}
}

func (m *Microphone) attach(p *publisher) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pub != nil {
		return false
	}
	m.pub = p
	close(m.arrived)
	m.arrived = make(chan struct{})
	return true
}

func (m *Microphone) detach(p *publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pub == p {
		m.pub = nil
	}
}

// Acquire implements [lipsync.Microphone]. It claims the connected publisher,
// waiting for one if necessary.
func (m *Microphone) Acquire(ctx context.Context) (lipsync.CaptureStream, error) {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		p, arrived := m.pub, m.arrived
		if p != nil {
			if p.claimed {
				m.mu.Unlock()
				return nil, ErrBusy
			}
			p.claimed = true
			m.mu.Unlock()
			return m.newStream(p)
		}
		m.mu.Unlock()

		select {
		case <-arrived:
		case <-timer.C:
			return nil, fmt.Errorf("%w: no publisher connected within %s", lipsync.ErrPermissionDenied, m.wait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Microphone) newStream(p *publisher) (lipsync.CaptureStream, error) {
	dec, err := opus.NewDecoder(m.channels)
	if err != nil {
		m.release(p)
		return nil, err
	}
	// Discard anything queued before the claim so the mouth follows the
	// speaker, not a second of backlog.
	for drained := false; !drained; {
		select {
		case _, ok := <-p.packets:
			drained = !ok
		default:
			drained = true
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		m:      m,
		p:      p,
		frames: dec.Stream(ctx, p.packets),
		cancel: cancel,
	}, nil
}

func (m *Microphone) release(p *publisher) {
	m.mu.Lock()
	p.claimed = false
	p.monitor = false
	m.mu.Unlock()
}

// stream is the [lipsync.CaptureStream] of a claimed publisher.
type stream struct {
	m      *Microphone
	p      *publisher
	frames <-chan audio.AudioFrame
	cancel context.CancelFunc
	once   sync.Once
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err reports why the publisher went away. It is nil while the publisher is
// connected.
func (s *stream) Err() error {
	select {
	case <-s.p.done:
		if err := s.p.readErr(); err != nil {
			return err
		}
		return errors.New("capture: publisher disconnected")
	default:
		return nil
	}
}

// SetMonitor records the monitor flag. Publishers are remote, so there is no
// local output path to route.
func (s *stream) SetMonitor(enabled bool) {
	s.m.mu.Lock()
	s.p.monitor = enabled
	s.m.mu.Unlock()
}

// Close stops decoding and hands the publisher back for the next Acquire.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		go audio.Drain(s.frames)
		s.m.release(s.p)
	})
	return nil
}

// Package mock provides in-memory implementations of [lipsync.Microphone],
// [lipsync.CaptureStream] and [lipsync.Source] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	eng := lipsync.New(lipsync.DefaultConfig(), lipsync.WithMicrophone(mic))
//	res := eng.SetLiveCaptureMode(ctx, "npc-1", true)
//	// tick until res delivers, then push frames:
//	mic.Streams()[0].Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/marionette/internal/lipsync"
	"github.com/MrWong99/marionette/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock [lipsync.Microphone]. Every successful Acquire returns
// a new [Stream].
type Microphone struct {
	mu sync.Mutex

	// AcquireErr is returned by Acquire when non-nil.
	AcquireErr error

	// Gate, if non-nil, blocks Acquire until it is closed or ctx ends.
	Gate chan struct{}

	// StreamBuffer is the frame buffer of created streams. Default 16.
	StreamBuffer int

	calls   int
	streams []*Stream
}

// Acquire implements [lipsync.Microphone].
func (m *Microphone) Acquire(ctx context.Context) (lipsync.CaptureStream, error) {
	m.mu.Lock()
	m.calls++
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AcquireErr != nil {
		return nil, m.AcquireErr
	}
	buf := m.StreamBuffer
	if buf <= 0 {
		buf = 16
	}
	s := NewStream(buf)
	m.streams = append(m.streams, s)
	return s, nil
}

// SetAcquireErr changes AcquireErr under the lock.
func (m *Microphone) SetAcquireErr(err error) {
	m.mu.Lock()
	m.AcquireErr = err
	m.mu.Unlock()
}

// AcquireCalls returns the number of Acquire calls.
func (m *Microphone) AcquireCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Streams returns the streams handed out so far.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock [lipsync.CaptureStream].
type Stream struct {
	frames chan audio.AudioFrame

	mu         sync.Mutex
	err        error
	ended      bool
	closeCalls int
	monitor    []bool
}

// NewStream creates a stream with the given frame buffer.
func NewStream(buf int) *Stream {
	return &Stream{frames: make(chan audio.AudioFrame, buf)}
}

// Frames implements [lipsync.CaptureStream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [lipsync.CaptureStream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetMonitor implements [lipsync.CaptureStream].
func (s *Stream) SetMonitor(enabled bool) {
	s.mu.Lock()
	s.monitor = append(s.monitor, enabled)
	s.mu.Unlock()
}

// Close implements [lipsync.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.end()
	return nil
}

// Push queues a captured frame. It is a no-op after the stream ended.
func (s *Stream) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.frames <- f
}

// Lose ends the stream as if the device disappeared.
func (s *Stream) Lose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.end()
}

func (s *Stream) end() {
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// CloseCalls returns the number of Close calls.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// MonitorCalls returns the SetMonitor arguments in call order.
func (s *Stream) MonitorCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.monitor...)
}

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [lipsync.Source] that hands its tap to the test. Tests
// drive audio synchronously through Tap().Feed.
type Source struct {
	mu sync.Mutex

	// SourceKind is returned by Kind.
	SourceKind lipsync.Kind

	// StartErrs are returned by successive Start calls; nil entries and calls
	// past the end succeed.
	StartErrs []error

	// ReadyCh is returned by [ReadySource.Ready].
	ReadyCh chan struct{}

	tap        lipsync.Tap
	startCalls int
	stopCalls  int
}

// Kind implements [lipsync.Source].
func (s *Source) Kind() lipsync.Kind { return s.SourceKind }

// Start implements [lipsync.Source].
func (s *Source) Start(_ context.Context, tap lipsync.Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.startCalls
	s.startCalls++
	if n < len(s.StartErrs) && s.StartErrs[n] != nil {
		return s.StartErrs[n]
	}
	s.tap = tap
	return nil
}

// Stop implements [lipsync.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
	return nil
}

// Tap returns the tap of the last successful Start, or nil.
func (s *Source) Tap() lipsync.Tap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap
}

// StartCalls returns the number of Start calls.
func (s *Source) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// StopCalls returns the number of Stop calls.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// ReadySource wraps a [Source] that reports readiness.
type ReadySource struct {
	*Source
}

// Ready implements [lipsync.Readier].
func (r ReadySource) Ready() <-chan struct{} { return r.ReadyCh }

package lipsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/marionette/pkg/audio"
)

// Kind selects the tuning a source is analysed with.
type Kind int

const (
	// KindPlayback is a pre-recorded clip.
	KindPlayback Kind = iota

	// KindLive is a live capture stream.
	KindLive
)

// String returns "playback" or "live".
func (k Kind) String() string {
	if k == KindLive {
		return "live"
	}
	return "playback"
}

// ErrPlaybackAborted is returned by [Source.Start] when playback could not
// begin for a transient reason such as a rapid source swap. Sources that
// also implement [Readier] are retried once when they signal readiness.
var ErrPlaybackAborted = errors.New("lipsync: playback aborted")

// Tap receives the audio of a speaking session. Its methods may be called
// from any goroutine.
type Tap interface {
	// Feed hands one frame to the analysis path.
	Feed(frame audio.AudioFrame)

	// End reports that the source reached its natural end.
	End()

	// Fail reports that the source can no longer deliver audio.
	Fail(err error)
}

// Source is a playable audio handle bound to one speaking session. Start
// must not block: it begins delivery on its own goroutine and returns.
type Source interface {
	Kind() Kind
	Start(ctx context.Context, tap Tap) error

	// Stop halts delivery and releases the source. It is safe to call more
	// than once and before Start.
	Stop() error
}

// Readier is implemented by sources that can report when a failed Start is
// worth retrying.
type Readier interface {
	Ready() <-chan struct{}
}

// Pacer waits between clip chunks.
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

// RealTime paces a clip at wall-clock speed.
type RealTime struct{}

// Wait implements [Pacer].
func (RealTime) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClipSource plays a pre-recorded PCM clip in fixed-size chunks.
type ClipSource struct {
	clip  audio.AudioFrame
	chunk time.Duration
	pacer Pacer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// ClipOption configures a [ClipSource].
type ClipOption func(*ClipSource)

// WithPacer replaces the wall-clock pacer.
func WithPacer(p Pacer) ClipOption {
	return func(c *ClipSource) { c.pacer = p }
}

// WithChunk sets the chunk length. Default 20ms.
func WithChunk(d time.Duration) ClipOption {
	return func(c *ClipSource) {
		if d > 0 {
			c.chunk = d
		}
	}
}

// NewClipSource creates a source for clip.
func NewClipSource(clip audio.AudioFrame, opts ...ClipOption) *ClipSource {
	c := &ClipSource{clip: clip, chunk: 20 * time.Millisecond, pacer: RealTime{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Kind implements [Source].
func (c *ClipSource) Kind() Kind { return KindPlayback }

// Start implements [Source]. A ClipSource plays once; starting it again
// returns [ErrPlaybackAborted].
func (c *ClipSource) Start(ctx context.Context, tap Tap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("clip already started: %w", ErrPlaybackAborted)
	}
	if c.clip.SampleRate <= 0 || c.clip.Channels <= 0 {
		return fmt.Errorf("lipsync: clip has no format (%d Hz, %d ch)", c.clip.SampleRate, c.clip.Channels)
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.play(ctx, tap)
	return nil
}

func (c *ClipSource) play(ctx context.Context, tap Tap) {
	defer close(c.done)
	frameBytes := 2 * c.clip.Channels
	step := int(c.chunk.Seconds()*float64(c.clip.SampleRate)) * frameBytes
	if step <= 0 {
		step = frameBytes
	}
	for off := 0; off < len(c.clip.Data); off += step {
		end := min(off+step, len(c.clip.Data))
		chunk := audio.AudioFrame{
			Data:       c.clip.Data[off:end],
			SampleRate: c.clip.SampleRate,
			Channels:   c.clip.Channels,
			Timestamp:  c.clip.Timestamp + time.Duration(off/frameBytes)*time.Second/time.Duration(c.clip.SampleRate),
		}
		tap.Feed(chunk)
		if err := c.pacer.Wait(ctx, chunk.Duration()); err != nil {
			return
		}
	}
	tap.End()
}

// Stop implements [Source].
func (c *ClipSource) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Done is closed when playback has finished or was stopped. It is nil before
// Start.
func (c *ClipSource) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// StreamSource adapts a channel of frames, such as the output of an Opus
// decoder, into a [Source]. A closed channel is the natural end; if errFn
// reports an error at that point the stream failed instead.
type StreamSource struct {
	kind   Kind
	frames <-chan audio.AudioFrame
	errFn  func() error

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStreamSource creates a source over frames. errFn may be nil.
func NewStreamSource(kind Kind, frames <-chan audio.AudioFrame, errFn func() error) *StreamSource {
	return &StreamSource{kind: kind, frames: frames, errFn: errFn}
}

// Kind implements [Source].
func (s *StreamSource) Kind() Kind { return s.kind }

// Start implements [Source].
func (s *StreamSource) Start(ctx context.Context, tap Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("stream already started: %w", ErrPlaybackAborted)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-s.frames:
				if !ok {
					if s.errFn != nil {
						if err := s.errFn(); err != nil {
							tap.Fail(err)
							return
						}
					}
					tap.End()
					return
				}
				tap.Feed(f)
			}
		}
	}()
	return nil
}

// Stop implements [Source]. The underlying channel is not drained.
func (s *StreamSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

package lipsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/marionette/pkg/audio"
)

// recordingTap collects what a source delivers.
type recordingTap struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	ended  chan struct{}
	err    error
}

func newRecordingTap() *recordingTap { return &recordingTap{ended: make(chan struct{})} }

func (r *recordingTap) Feed(f audio.AudioFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recordingTap) End() { close(r.ended) }

func (r *recordingTap) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.ended)
}

// instant is a pacer that never waits.
type instant struct{}

func (instant) Wait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func waitEnded(t *testing.T, r *recordingTap) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("source never ended")
	}
}

func TestClipSource_PlaysInChunks(t *testing.T) {
	// 100ms at 16kHz mono.
	clip := audio.AudioFrame{Data: make([]byte, 2*1600), SampleRate: 16000, Channels: 1}
	src := NewClipSource(clip, WithPacer(instant{}))
	tap := newRecordingTap()

	if err := src.Start(context.Background(), tap); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEnded(t, tap)

	if len(tap.frames) != 5 {
		t.Fatalf("got %d chunks, want 5", len(tap.frames))
	}
	for i, f := range tap.frames {
		if f.Duration() != 20*time.Millisecond {
			t.Errorf("chunk %d: duration %v", i, f.Duration())
		}
		if want := time.Duration(i) * 20 * time.Millisecond; f.Timestamp != want {
			t.Errorf("chunk %d: timestamp %v, want %v", i, f.Timestamp, want)
		}
	}

	if err := src.Start(context.Background(), tap); !errors.Is(err, ErrPlaybackAborted) {
		t.Errorf("restart: err = %v, want ErrPlaybackAborted", err)
	}
}

func TestClipSource_StopHaltsPlayback(t *testing.T) {
	clip := audio.AudioFrame{Data: make([]byte, 2*16000), SampleRate: 16000, Channels: 1}
	src := NewClipSource(clip)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	tap := newRecordingTap()
	if err := src.Start(context.Background(), tap); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = src.Stop()
	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback goroutine did not exit")
	}
	select {
	case <-tap.ended:
		t.Error("stopped clip reported a natural end")
	default:
	}
}

func TestClipSource_RejectsMissingFormat(t *testing.T) {
	src := NewClipSource(audio.AudioFrame{Data: []byte{0, 0}})
	if err := src.Start(context.Background(), newRecordingTap()); err == nil {
		t.Fatal("expected error for clip without format")
	}
}

func TestStreamSource_EndAndFail(t *testing.T) {
	t.Run("natural end", func(t *testing.T) {
		ch := make(chan audio.AudioFrame, 2)
		ch <- audio.AudioFrame{Data: []byte{1, 0}, SampleRate: 16000, Channels: 1}
		close(ch)
		tap := newRecordingTap()
		if err := NewStreamSource(KindPlayback, ch, nil).Start(context.Background(), tap); err != nil {
			t.Fatal(err)
		}
		waitEnded(t, tap)
		if tap.err != nil || len(tap.frames) != 1 {
			t.Errorf("err = %v, frames = %d", tap.err, len(tap.frames))
		}
	})

	t.Run("failure", func(t *testing.T) {
		ch := make(chan audio.AudioFrame)
		close(ch)
		boom := errors.New("boom")
		tap := newRecordingTap()
		src := NewStreamSource(KindLive, ch, func() error { return boom })
		if src.Kind() != KindLive {
			t.Errorf("Kind() = %v", src.Kind())
		}
		if err := src.Start(context.Background(), tap); err != nil {
			t.Fatal(err)
		}
		waitEnded(t, tap)
		if !errors.Is(tap.err, boom) {
			t.Errorf("err = %v, want boom", tap.err)
		}
	})
}

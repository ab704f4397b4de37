package lipsync

import (
	"context"
	"errors"

	"github.com/MrWong99/marionette/pkg/audio"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Acquire] when the user
	// or platform refuses access to the capture device.
	ErrPermissionDenied = errors.New("lipsync: microphone permission denied")

	// ErrDeviceLost reports that a capture stream ended unexpectedly.
	ErrDeviceLost = errors.New("lipsync: capture device lost")

	// ErrLiveCaptureInactive is delivered to an enable request that was
	// overtaken by a disable before the microphone was acquired.
	ErrLiveCaptureInactive = errors.New("lipsync: live capture disabled")
)

// Microphone hands out capture streams. Acquire may block, e.g. on a
// permission prompt; it is never called on the tick goroutine, and it must
// return once ctx is done.
type Microphone interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an acquired capture device. Frames feeds the analysis
// path; SetMonitor controls whether the captured signal is also routed to an
// audible output.
type CaptureStream interface {
	// Frames is closed when the stream ends. Err then reports why.
	Frames() <-chan audio.AudioFrame
	Err() error

	SetMonitor(enabled bool)

	// Close releases the device and restores the normal output path.
	Close() error
}

// captureSource is the [Source] of a live speaking session. It reads from
// the engine's capture stream but does not own it.
type captureSource struct {
	*StreamSource
}

func newCaptureSource(s CaptureStream) captureSource {
	return captureSource{NewStreamSource(KindLive, s.Frames(), func() error {
		if err := s.Err(); err != nil {
			return errors.Join(ErrDeviceLost, err)
		}
		// A stream that closes without being released is a lost device too.
		return ErrDeviceLost
	})}
}

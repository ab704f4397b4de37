package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// AnalysisFormat is what the lip-sync analyzer consumes.
var AnalysisFormat = Format{SampleRate: 16000, Channels: 1}

// FormatConverter converts frames to a target format. It warns once on the
// first mismatch and once on misaligned PCM. Use one per stream.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned without copying. Frames with an odd byte count are
// dropped and come back with nil Data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
	if len(frame.Data)%2 != 0 || frame.Channels <= 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned PCM frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return out
	}
	if frame.Format() == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Warn("audio: converting stream format",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	s := Int16s(frame.Data)
	ch := frame.Channels
	// Downmix before resampling so fewer samples are interpolated.
	if ch != c.Target.Channels && ch > 1 {
		s = Downmix(s, ch)
		ch = 1
	}
	s = Resample(s, ch, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > 1 && ch == 1 {
		s = Upmix(s, c.Target.Channels)
	}
	out.Data = Bytes(s)
	return out
}

// Package opus decodes Opus voice packets into PCM [audio.AudioFrame]s for
// live lip sync, e.g. from a WebRTC or voice-chat capture track.
package opus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/marionette/pkg/audio"
)

// Voice capture uses 48 kHz Opus with 20 ms frames.
const (
	SampleRate = 48000
	FrameMs    = 20

	// frameSize is the number of samples per channel in one frame.
	frameSize = SampleRate * FrameMs / 1000 // 960
)

// Decoder turns consecutive packets of one stream into PCM frames. Opus is
// stateful, so every stream needs its own Decoder.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
	offset   time.Duration
}

// NewDecoder creates a decoder for a stream with the given channel count.
func NewDecoder(channels int) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Decode decodes one packet. A nil or empty packet asks the codec to conceal a
// lost frame.
func (d *Decoder) Decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("opus: decode: %w", err)
	}
	f := audio.AudioFrame{
		Data:       audio.Bytes(pcm),
		SampleRate: SampleRate,
		Channels:   d.channels,
		Timestamp:  d.offset,
	}
	d.offset += f.Duration()
	return f, nil
}

// Stream decodes packets from in until it closes or ctx is done. Packets that
// fail to decode are logged and skipped. The returned channel is closed when
// decoding stops.
func (d *Decoder) Stream(ctx context.Context, in <-chan []byte) <-chan audio.AudioFrame {
	out := make(chan audio.AudioFrame, cap(in))
	go func() {
		defer close(out)
		for {
			var packet []byte
			var ok bool
			select {
			case <-ctx.Done():
				return
			case packet, ok = <-in:
				if !ok {
					return
				}
			}
			f, err := d.Decode(packet)
			if err != nil {
				slog.Warn("opus: skipping packet", "err", err, "bytes", len(packet))
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Package audio holds the PCM types shared by lip-sync sources and the
// analyzer: [AudioFrame], sample conversion helpers, and a [FormatConverter]
// that normalises capture and playback streams to the analysis format.
//
// All PCM is signed 16-bit little-endian, channels interleaved.
package audio

import "time"

// AudioFrame is one chunk of PCM audio handed from a source to the analyzer.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for Opus capture, 16000 for analysis).
	SampleRate int

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int

	// Timestamp is the offset of the first sample from the start of the
	// session.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/marionette/pkg/audio"
)

func TestInt16sBytes(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.Int16s(audio.Bytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
	if n := len(audio.Int16s([]byte{1, 2, 3})); n != 1 {
		t.Errorf("odd trailing byte: got %d samples, want 1", n)
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono passthrough", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
		{"stereo average", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"no overflow", []int16{32767, 32767}, 2, []int16{32767}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Downmix(tt.in, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResample(t *testing.T) {
	up := audio.Resample([]int16{1000, 2000}, 1, 16000, 48000)
	if len(up) != 6 {
		t.Fatalf("upsample: got %d samples, want 6", len(up))
	}
	if up[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", up[0])
	}
	if last := up[len(up)-1]; last < 1800 || last > 2000 {
		t.Errorf("last sample = %d, want close to 2000", last)
	}

	down := audio.Resample([]int16{100, 200, 300, 400, 500, 600}, 1, 48000, 16000)
	if len(down) != 2 {
		t.Errorf("downsample: got %d samples, want 2", len(down))
	}

	stereo := audio.Resample([]int16{100, -100, 300, -300}, 2, 16000, 48000)
	if len(stereo) != 12 {
		t.Fatalf("stereo: got %d samples, want 12", len(stereo))
	}
	for i := 0; i < len(stereo); i += 2 {
		if stereo[i] != -stereo[i+1] {
			t.Errorf("frame %d: channels mixed: %d %d", i/2, stereo[i], stereo[i+1])
		}
	}

	same := []int16{1, 2}
	if got := audio.Resample(same, 1, 0, 16000); &got[0] != &same[0] {
		t.Error("zero source rate must return the input")
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	sine := make([]float64, 1600)
	for i := range sine {
		sine[i] = 0.5 * math.Sin(2*math.Pi*float64(i)/16)
	}
	if got, want := audio.RMS(sine), 0.5/math.Sqrt2; math.Abs(got-want) > 1e-3 {
		t.Errorf("RMS(sine) = %v, want %v", got, want)
	}
}

func TestFormatConverter(t *testing.T) {
	t.Run("matching format is not copied", func(t *testing.T) {
		conv := audio.FormatConverter{Target: audio.AnalysisFormat}
		in := audio.AudioFrame{Data: audio.Bytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
		out := conv.Convert(in)
		if &out.Data[0] != &in.Data[0] {
			t.Error("expected the input slice back")
		}
	})

	t.Run("48k stereo to analysis format", func(t *testing.T) {
		conv := audio.FormatConverter{Target: audio.AnalysisFormat}
		// 20ms at 48kHz stereo.
		pcm := make([]int16, 960*2)
		for i := range pcm {
			pcm[i] = 1000
		}
		out := conv.Convert(audio.AudioFrame{
			Data:       audio.Bytes(pcm),
			SampleRate: 48000,
			Channels:   2,
			Timestamp:  40 * time.Millisecond,
		})
		if out.SampleRate != 16000 || out.Channels != 1 {
			t.Fatalf("format = %v", out.Format())
		}
		if got := out.Samples(); got != 320 {
			t.Errorf("samples = %d, want 320", got)
		}
		if out.Duration() != 20*time.Millisecond {
			t.Errorf("duration = %v, want 20ms", out.Duration())
		}
		if out.Timestamp != 40*time.Millisecond {
			t.Errorf("timestamp = %v", out.Timestamp)
		}
	})

	t.Run("mono to stereo", func(t *testing.T) {
		conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 2}}
		out := conv.Convert(audio.AudioFrame{Data: audio.Bytes([]int16{7, 9}), SampleRate: 16000, Channels: 1})
		got := audio.Int16s(out.Data)
		want := []int16{7, 7, 9, 9}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("odd byte count is dropped", func(t *testing.T) {
		conv := audio.FormatConverter{Target: audio.AnalysisFormat}
		out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
		if out.Data != nil {
			t.Errorf("expected nil data, got %d bytes", len(out.Data))
		}
	})
}

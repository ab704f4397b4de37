package lipsync

import (
	"math"
	"testing"

	"github.com/MrWong99/marionette/pkg/audio"
)

// tone renders n samples at 16 kHz mono as the sum of sines at freqs, each
// with amplitude amp.
func tone(n int, amp float64, freqs ...float64) audio.AudioFrame {
	x := make([]float64, n)
	for i := range x {
		for _, f := range freqs {
			x[i] += amp * math.Sin(2*math.Pi*f*float64(i)/16000)
		}
	}
	return audio.AudioFrame{Data: audio.FromFloats(x), SampleRate: 16000, Channels: 1}
}

func TestAnalyzer_Classify(t *testing.T) {
	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  Viseme
	}{
		{"silence", tone(512, 0), Sil},
		{"open vowel", tone(512, 0.5, 800), AA},
		{"front close vowel", tone(512, 0.3, 300, 2500), I},
		{"back close vowel", tone(512, 0.5, 300), U},
		{"sibilant", tone(512, 0.5, 6500), SS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(512)
			// The first voiced window after silence is an onset.
			a.Feed(tt.frame)
			a.Feed(tt.frame)
			if got := a.Snapshot().Viseme; got != tt.want {
				t.Errorf("Viseme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnalyzer_OnsetIsBilabial(t *testing.T) {
	a := NewAnalyzer(512)
	a.Feed(tone(512, 0.5, 800))
	if got := a.Snapshot().Viseme; got != PP {
		t.Errorf("first voiced window = %q, want PP", got)
	}
}

func TestAnalyzer_SnapshotBeforeFeed(t *testing.T) {
	a := NewAnalyzer(512)
	f := a.Snapshot()
	if f.Viseme != Sil || f.Seq != 0 || f.Volume != 0 {
		t.Errorf("Snapshot() = %+v, want empty silence", f)
	}
}

func TestAnalyzer_VolumeAndSeq(t *testing.T) {
	a := NewAnalyzer(512)
	a.Feed(tone(256, 0.5, 800))
	a.Feed(tone(512, 0.5, 800))
	f := a.Snapshot()
	if f.Seq != 2 {
		t.Errorf("Seq = %d, want 2", f.Seq)
	}
	if want := 0.5 / math.Sqrt2; math.Abs(f.Volume-want) > 0.02 {
		t.Errorf("Volume = %v, want about %v", f.Volume, want)
	}
	if f.ZCR <= 0 {
		t.Errorf("ZCR = %v, want positive", f.ZCR)
	}
}

func TestAnalyzer_ConvertsFormat(t *testing.T) {
	a := NewAnalyzer(512)
	x := make([]float64, 2*1536) // 32ms of 48kHz stereo
	for i := range 1536 {
		v := 0.5 * math.Sin(2*math.Pi*800*float64(i)/48000)
		x[2*i], x[2*i+1] = v, v
	}
	f := audio.AudioFrame{Data: audio.FromFloats(x), SampleRate: 48000, Channels: 2}
	a.Feed(f)
	a.Feed(f)
	if got := a.Snapshot().Viseme; got != AA {
		t.Errorf("Viseme = %q, want AA", got)
	}
}

func TestVote_MajorityWithRecentTieBreak(t *testing.T) {
	e := New(DefaultConfig())
	seq := []Viseme{AA, AA, SS, SS, E}
	var got Viseme
	for _, v := range seq {
		got = e.vote(v)
	}
	// AA and SS tie at two; SS is more recent.
	if got != SS {
		t.Errorf("vote = %q, want SS", got)
	}
	// Window of five: AA drops out once five more entries arrive.
	for range 3 {
		got = e.vote(E)
	}
	if got != E {
		t.Errorf("vote = %q, want E", got)
	}
}

func TestPerTick(t *testing.T) {
	if got := perTick(0.25, 1.0/60); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("perTick at 60Hz = %v, want 0.25", got)
	}
	// Two half ticks compose to one full tick.
	half := perTick(0.25, 1.0/120)
	if got := 1 - (1-half)*(1-half); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("two half ticks = %v, want 0.25", got)
	}
	if perTick(1, 0.5) != 1 {
		t.Error("rate 1 must be a full step")
	}
}

func TestViseme_IsVowel(t *testing.T) {
	vowels := 0
	for _, v := range Visemes {
		if v.IsVowel() {
			vowels++
		}
		if v.index() < 0 {
			t.Errorf("%q has no index", v)
		}
	}
	if vowels != 5 {
		t.Errorf("vowels = %d, want 5", vowels)
	}
	if Viseme("zz").index() != -1 {
		t.Error("unknown viseme must have index -1")
	}
}

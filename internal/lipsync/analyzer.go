package lipsync

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/marionette/pkg/audio"
)

// Features is one analysis result.
type Features struct {
	// Viseme is the dominant mouth shape of the analysis window.
	Viseme Viseme

	// Volume is the RMS level of the window in [0, 1].
	Volume float64

	// ZCR is the zero-crossing rate in crossings per sample.
	ZCR float64

	// Seq increases with every published snapshot. Zero means nothing has
	// been analysed yet.
	Seq uint64
}

// Band centres in Hz. The first-formant range separates open from closed
// vowels, the second-formant range front from back vowels, and the high range
// catches fricatives.
var (
	nasalBands = []float64{200}
	f1Bands    = []float64{300, 450, 600, 800}
	f2Bands    = []float64{1000, 1300, 1700, 2100, 2500}
	highBands  = []float64{3500, 4500, 5500, 6500, 7500}
)

// Classification thresholds.
const (
	silenceFloor = 0.01
	fricativeHF  = 0.55
	stopHF       = 0.3
	nasalShare   = 0.6
	onsetFactor  = 4
)

// Analyzer extracts [Features] from PCM frames. Feed runs on the audio
// producer goroutine; Snapshot may be called concurrently from the tick
// goroutine and always sees a complete result.
type Analyzer struct {
	conv    audio.FormatConverter
	size    int
	window  []float64
	hann    []float64
	prevRMS float64
	seq     uint64

	latest atomic.Pointer[Features]
}

// NewAnalyzer creates an analyzer over a sliding window of size samples at
// [audio.AnalysisFormat].
func NewAnalyzer(size int) *Analyzer {
	if size < 64 {
		size = 64
	}
	hann := make([]float64, size)
	for i := range hann {
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size-1))
	}
	return &Analyzer{
		conv:   audio.FormatConverter{Target: audio.AnalysisFormat},
		size:   size,
		window: make([]float64, 0, 2*size),
		hann:   hann,
	}
}

// Feed appends frame to the window and publishes a new snapshot. Frames in
// other formats are converted first.
func (a *Analyzer) Feed(frame audio.AudioFrame) {
	frame = a.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return
	}
	a.window = append(a.window, audio.Floats(frame.Data)...)
	if over := len(a.window) - a.size; over > 0 {
		a.window = append(a.window[:0], a.window[over:]...)
	}
	f := a.analyse(a.window)
	a.seq++
	f.Seq = a.seq
	a.latest.Store(&f)
}

// Snapshot returns the most recent features, or silence if nothing was fed.
func (a *Analyzer) Snapshot() Features {
	if f := a.latest.Load(); f != nil {
		return *f
	}
	return Features{Viseme: Sil}
}

func (a *Analyzer) analyse(x []float64) Features {
	rms := audio.RMS(x)
	f := Features{Volume: math.Min(1, rms), ZCR: zeroCrossingRate(x)}
	onset := a.prevRMS < silenceFloor && rms > onsetFactor*silenceFloor
	a.prevRMS = rms
	if rms < silenceFloor {
		f.Viseme = Sil
		return f
	}
	if onset {
		f.Viseme = PP
		return f
	}

	hann := a.hann[len(a.hann)-len(x):]
	rate := float64(audio.AnalysisFormat.SampleRate)
	nasal := bandEnergy(x, hann, rate, nasalBands)
	f1 := bandEnergy(x, hann, rate, f1Bands)
	f2 := bandEnergy(x, hann, rate, f2Bands)
	high := bandEnergy(x, hann, rate, highBands)

	total := sum(nasal) + sum(f1) + sum(f2) + sum(high) + 1e-12
	hf := sum(high) / total

	switch {
	case hf > fricativeHF:
		switch peak := highBands[argmax(high)]; {
		case peak >= 5500:
			f.Viseme = SS
		case peak >= 4500:
			f.Viseme = CH
		default:
			f.Viseme = FF
		}
	case hf > stopHF:
		if f.ZCR > 0.25 {
			f.Viseme = DD
		} else {
			f.Viseme = KK
		}
	case sum(nasal)/total > nasalShare:
		f.Viseme = NN
	default:
		f.Viseme = vowel(f1, f2)
	}
	return f
}

// vowel maps first- and second-formant energy to a vowel shape.
func vowel(f1, f2 []float64) Viseme {
	formant1 := f1Bands[argmax(f1)]
	formant2 := f2Bands[argmax(f2)]
	front := sum(f2) > 0.5*sum(f1)
	switch {
	case formant1 >= 800:
		return AA
	case formant1 >= 600:
		if front && formant2 >= 1700 {
			return E
		}
		return O
	case front && formant2 >= 2100:
		return I
	case front && formant2 >= 1300:
		return RR
	case formant1 <= 300 && !front:
		return U
	default:
		return O
	}
}

// goertzel returns the power of x at freq using a single-bin DFT, with x
// weighted by win.
func goertzel(x, win []float64, rate, freq float64) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/rate)
	var s1, s2 float64
	for i, v := range x {
		s := v*win[i] + coeff*s1 - s2
		s2, s1 = s1, s
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func bandEnergy(x, win []float64, rate float64, bands []float64) []float64 {
	out := make([]float64, len(bands))
	for i, b := range bands {
		out[i] = goertzel(x, win, rate, b)
	}
	return out
}

func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	n := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			n++
		}
	}
	return float64(n) / float64(len(x)-1)
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

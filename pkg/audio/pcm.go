package audio

import "math"

// Int16s decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Int16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// Floats decodes little-endian int16 PCM into samples normalised to [-1, 1).
func Floats(b []byte) []float64 {
	out := make([]float64, len(b)/2)
	for i := range out {
		out[i] = float64(int16(b[2*i])|int16(b[2*i+1])<<8) / 32768
	}
	return out
}

// FromFloats encodes normalised samples as int16 PCM, clipping to full scale.
func FromFloats(f []float64) []byte {
	s := make([]int16, len(f))
	for i, v := range f {
		s[i] = clip16(math.Round(v * 32767))
	}
	return Bytes(s)
}

func clip16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Downmix averages interleaved channels into one. Mono input is returned as
// is.
func Downmix(s []int16, channels int) []int16 {
	if channels <= 1 {
		return s
	}
	out := make([]int16, len(s)/channels)
	for i := range out {
		var sum int32
		for c := range channels {
			sum += int32(s[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(s []int16, channels int) []int16 {
	if channels <= 1 {
		return s
	}
	out := make([]int16, len(s)*channels)
	for i, v := range s {
		for c := range channels {
			out[i*channels+c] = v
		}
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate by linear
// interpolation per channel. Invalid rates return the input unchanged.
func Resample(s []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return s
	}
	srcFrames := len(s) / channels
	if srcFrames == 0 {
		return s
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(s[idx*channels+c])
			b := float64(s[next*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// RMS returns the root-mean-square level of normalised samples.
func RMS(f []float64) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, v := range f {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f)))
}

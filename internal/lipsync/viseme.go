package lipsync

// Viseme is a mouth-shape category. The ids follow the 15-shape set used by
// common face rigs.
type Viseme string

const (
	Sil Viseme = "sil"
	PP  Viseme = "PP"
	FF  Viseme = "FF"
	TH  Viseme = "TH"
	DD  Viseme = "DD"
	KK  Viseme = "kk"
	CH  Viseme = "CH"
	SS  Viseme = "SS"
	NN  Viseme = "nn"
	RR  Viseme = "RR"
	AA  Viseme = "aa"
	E   Viseme = "E"
	I   Viseme = "I"
	O   Viseme = "O"
	U   Viseme = "U"
)

// Visemes lists every viseme in rig order.
var Visemes = [...]Viseme{Sil, PP, FF, TH, DD, KK, CH, SS, NN, RR, AA, E, I, O, U}

const numVisemes = len(Visemes)

// index returns the position of v in [Visemes], or -1.
func (v Viseme) index() int {
	for i, w := range Visemes {
		if w == v {
			return i
		}
	}
	return -1
}

// IsVowel reports whether v is one of the open-mouth vowel shapes.
func (v Viseme) IsVowel() bool {
	switch v {
	case AA, E, I, O, U:
		return true
	}
	return false
}

// weights is the blend weight per viseme, indexed like [Visemes].
type weights [numVisemes]float64

func (w *weights) toMap() map[Viseme]float64 {
	m := make(map[Viseme]float64, numVisemes)
	for i, v := range Visemes {
		m[v] = w[i]
	}
	return m
}

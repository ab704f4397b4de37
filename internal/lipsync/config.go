package lipsync

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Rates are per-tick lerp factors at 60 Hz. The engine rescales them for
// other tick lengths.
type Rates struct {
	// Vowel eases the selected vowel viseme towards 1.
	Vowel float64 `yaml:"vowel"`

	// Consonant eases the selected consonant viseme towards 1.
	Consonant float64 `yaml:"consonant"`

	// Reset relaxes every other viseme towards 0.
	Reset float64 `yaml:"reset"`
}

// Config tunes an [Engine].
type Config struct {
	Playback Rates `yaml:"playback"`
	Live     Rates `yaml:"live"`

	// NoiseGate is the RMS volume under which a live tick counts as silence.
	NoiseGate float64 `yaml:"noise_gate"`

	// HistorySize is the length of the live-mode majority-vote window.
	HistorySize int `yaml:"history_size"`

	// SnapBelow is the weight under which a relaxing viseme is set to 0.
	SnapBelow float64 `yaml:"snap_below"`

	// WindowSize is the analysis window in samples at 16 kHz.
	WindowSize int `yaml:"window_size"`

	// MicMaxFailures consecutive acquisition failures open the microphone
	// breaker for MicCooldown.
	MicMaxFailures int           `yaml:"mic_max_failures"`
	MicCooldown    time.Duration `yaml:"mic_cooldown"`
}

// DefaultConfig returns the stock tuning. Live rates are snappier than
// playback rates to hide capture latency.
func DefaultConfig() Config {
	return Config{
		Playback:       Rates{Vowel: 0.25, Consonant: 0.35, Reset: 0.18},
		Live:           Rates{Vowel: 0.45, Consonant: 0.6, Reset: 0.3},
		NoiseGate:      0.02,
		HistorySize:    5,
		SnapBelow:      0.01,
		WindowSize:     512,
		MicMaxFailures: 3,
		MicCooldown:    30 * time.Second,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	for _, r := range []struct {
		name  string
		rates Rates
	}{{"playback", c.Playback}, {"live", c.Live}} {
		for _, f := range []struct {
			name string
			v    float64
		}{{"vowel", r.rates.Vowel}, {"consonant", r.rates.Consonant}, {"reset", r.rates.Reset}} {
			if f.v <= 0 || f.v > 1 {
				errs = append(errs, fmt.Errorf("lipsync: %s.%s must be in (0, 1], got %g", r.name, f.name, f.v))
			}
		}
	}
	if c.NoiseGate < 0 || c.NoiseGate >= 1 {
		errs = append(errs, fmt.Errorf("lipsync: noise_gate must be in [0, 1), got %g", c.NoiseGate))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("lipsync: history_size must be at least 1, got %d", c.HistorySize))
	}
	if c.SnapBelow < 0 || c.SnapBelow >= 1 {
		errs = append(errs, fmt.Errorf("lipsync: snap_below must be in [0, 1), got %g", c.SnapBelow))
	}
	if c.WindowSize < 64 {
		errs = append(errs, fmt.Errorf("lipsync: window_size must be at least 64, got %d", c.WindowSize))
	}
	if c.MicMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("lipsync: mic_max_failures must not be negative, got %d", c.MicMaxFailures))
	}
	return errors.Join(errs...)
}

func (c Config) rates(k Kind) Rates {
	if k == KindLive {
		return c.Live
	}
	return c.Playback
}

// RelaxTime bounds how long a viseme at full weight takes to snap to zero
// after speech stops, for ticks of dt seconds.
func (c Config) RelaxTime(k Kind, dt float64) time.Duration {
	f := perTick(c.rates(k).Reset, dt)
	if f >= 1 || c.SnapBelow <= 0 {
		return time.Duration(dt * float64(time.Second))
	}
	ticks := math.Ceil(math.Log(c.SnapBelow) / math.Log(1-f))
	return time.Duration(ticks * dt * float64(time.Second))
}

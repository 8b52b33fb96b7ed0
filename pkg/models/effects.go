package models

import "math"

// FilterType selects the response of the multi-mode filter stage
type FilterType string

const (
	FilterLowpass  FilterType = "lowpass"
	FilterHighpass FilterType = "highpass"
	FilterBandpass FilterType = "bandpass"
)

// Parameter ranges enforced by Normalize
const (
	MaxEQGainDB     = 24.0
	MinFrequencyHz  = 20.0
	MaxFrequencyHz  = 20000.0
	MaxDelayMs      = 2000.0
	MinDelayMs      = 1.0
	MaxFeedback     = 0.95
	MinReverbDecay  = 0.1
	MaxReverbDecay  = 10.0
	MinFilterQ      = 0.1
	MaxFilterQ      = 20.0
	MinCompRatio    = 1.0
	MaxCompRatio    = 20.0
	MaxCompKneeDB   = 24.0
	MinCompAttackS  = 0.0001
	MaxCompAttackS  = 1.0
	MinCompReleaseS = 0.001
	MaxCompReleaseS = 5.0
)

// EQSettings is a three band equalizer: low shelf, mid peak, high shelf
type EQSettings struct {
	LowGain  float64 `json:"lowGain" toml:"low_gain"`   // dB
	MidGain  float64 `json:"midGain" toml:"mid_gain"`   // dB
	HighGain float64 `json:"highGain" toml:"high_gain"` // dB
	LowFreq  float64 `json:"lowFreq" toml:"low_freq"`   // Hz
	HighFreq float64 `json:"highFreq" toml:"high_freq"` // Hz
}

// MidFreq is the geometric mean of the shelf frequencies
func (e EQSettings) MidFreq() float64 {
	return math.Sqrt(e.LowFreq * e.HighFreq)
}

// IsFlat reports whether all band gains are zero
func (e EQSettings) IsFlat() bool {
	return e.LowGain == 0 && e.MidGain == 0 && e.HighGain == 0
}

// CompressorSettings configures the dynamics stage
type CompressorSettings struct {
	Threshold float64 `json:"threshold" toml:"threshold"` // dB
	Ratio     float64 `json:"ratio" toml:"ratio"`
	Attack    float64 `json:"attack" toml:"attack"`   // seconds
	Release   float64 `json:"release" toml:"release"` // seconds
	Knee      float64 `json:"knee" toml:"knee"`       // dB
	Enabled   bool    `json:"enabled" toml:"enabled"`
}

// ReverbSettings configures the parallel reverb send
type ReverbSettings struct {
	WetDry  float64 `json:"wetDry" toml:"wet_dry"`
	Decay   float64 `json:"decay" toml:"decay"` // seconds
	Enabled bool    `json:"enabled" toml:"enabled"`
}

// DelaySettings configures the feedback delay stage
type DelaySettings struct {
	TimeMs      float64 `json:"time" toml:"time_ms"`
	Feedback    float64 `json:"feedback" toml:"feedback"`
	Mix         float64 `json:"mix" toml:"mix"`
	SyncToTempo bool    `json:"syncToTempo" toml:"sync_to_tempo"`
	Enabled     bool    `json:"enabled" toml:"enabled"`
}

// FilterSettings configures the multi-mode filter stage
type FilterSettings struct {
	Type      FilterType `json:"type" toml:"type"`
	Cutoff    float64    `json:"cutoff" toml:"cutoff"` // Hz
	Resonance float64    `json:"resonance" toml:"resonance"`
	Enabled   bool       `json:"enabled" toml:"enabled"`
}

// EffectsSettings is the full per-track effects configuration
type EffectsSettings struct {
	EQ         EQSettings         `json:"eq" toml:"eq"`
	Compressor CompressorSettings `json:"compressor" toml:"compressor"`
	Reverb     ReverbSettings     `json:"reverb" toml:"reverb"`
	Delay      DelaySettings      `json:"delay" toml:"delay"`
	Filter     FilterSettings     `json:"filter" toml:"filter"`
}

// DefaultEffects returns neutral settings: flat EQ and every optional stage off
func DefaultEffects() EffectsSettings {
	return EffectsSettings{
		EQ: EQSettings{
			LowFreq:  320,
			HighFreq: 3200,
		},
		Compressor: CompressorSettings{
			Threshold: -24,
			Ratio:     4,
			Attack:    0.003,
			Release:   0.25,
			Knee:      6,
		},
		Reverb: ReverbSettings{
			WetDry: 0.3,
			Decay:  2.0,
		},
		Delay: DelaySettings{
			TimeMs:   250,
			Feedback: 0.3,
			Mix:      0.25,
		},
		Filter: FilterSettings{
			Type:      FilterLowpass,
			Cutoff:    MaxFrequencyHz,
			Resonance: 0.707,
		},
	}
}

// Normalize returns a copy with every numeric field inside its legal range.
// Zero-valued frequency and time fields take the neutral default.
func (s EffectsSettings) Normalize() EffectsSettings {
	def := DefaultEffects()
	out := s

	out.EQ.LowGain = Clamp(out.EQ.LowGain, -MaxEQGainDB, MaxEQGainDB)
	out.EQ.MidGain = Clamp(out.EQ.MidGain, -MaxEQGainDB, MaxEQGainDB)
	out.EQ.HighGain = Clamp(out.EQ.HighGain, -MaxEQGainDB, MaxEQGainDB)
	if out.EQ.LowFreq <= 0 {
		out.EQ.LowFreq = def.EQ.LowFreq
	}
	if out.EQ.HighFreq <= 0 {
		out.EQ.HighFreq = def.EQ.HighFreq
	}
	out.EQ.LowFreq = Clamp(out.EQ.LowFreq, MinFrequencyHz, 5000)
	out.EQ.HighFreq = Clamp(out.EQ.HighFreq, 200, MaxFrequencyHz)
	if out.EQ.HighFreq <= out.EQ.LowFreq {
		out.EQ.HighFreq = math.Min(out.EQ.LowFreq*4, MaxFrequencyHz)
	}

	if out.Compressor.Ratio == 0 {
		out.Compressor.Ratio = def.Compressor.Ratio
	}
	if out.Compressor.Attack == 0 {
		out.Compressor.Attack = def.Compressor.Attack
	}
	if out.Compressor.Release == 0 {
		out.Compressor.Release = def.Compressor.Release
	}
	out.Compressor.Threshold = Clamp(out.Compressor.Threshold, -60, 0)
	out.Compressor.Ratio = Clamp(out.Compressor.Ratio, MinCompRatio, MaxCompRatio)
	out.Compressor.Attack = Clamp(out.Compressor.Attack, MinCompAttackS, MaxCompAttackS)
	out.Compressor.Release = Clamp(out.Compressor.Release, MinCompReleaseS, MaxCompReleaseS)
	out.Compressor.Knee = Clamp(out.Compressor.Knee, 0, MaxCompKneeDB)

	if out.Reverb.Decay == 0 {
		out.Reverb.Decay = def.Reverb.Decay
	}
	out.Reverb.WetDry = Clamp(out.Reverb.WetDry, 0, 1)
	out.Reverb.Decay = Clamp(out.Reverb.Decay, MinReverbDecay, MaxReverbDecay)

	if out.Delay.TimeMs == 0 {
		out.Delay.TimeMs = def.Delay.TimeMs
	}
	out.Delay.TimeMs = Clamp(out.Delay.TimeMs, MinDelayMs, MaxDelayMs)
	out.Delay.Feedback = Clamp(out.Delay.Feedback, 0, MaxFeedback)
	out.Delay.Mix = Clamp(out.Delay.Mix, 0, 1)

	switch out.Filter.Type {
	case FilterLowpass, FilterHighpass, FilterBandpass:
	default:
		out.Filter.Type = FilterLowpass
	}
	if out.Filter.Cutoff == 0 {
		out.Filter.Cutoff = def.Filter.Cutoff
	}
	if out.Filter.Resonance == 0 {
		out.Filter.Resonance = def.Filter.Resonance
	}
	out.Filter.Cutoff = Clamp(out.Filter.Cutoff, MinFrequencyHz, MaxFrequencyHz)
	out.Filter.Resonance = Clamp(out.Filter.Resonance, MinFilterQ, MaxFilterQ)

	return out
}

// EffectsPatch is a partial update. Each non-nil section replaces the
// whole corresponding section.
type EffectsPatch struct {
	EQ         *EQSettings         `json:"eq,omitempty" toml:"eq"`
	Compressor *CompressorSettings `json:"compressor,omitempty" toml:"compressor"`
	Reverb     *ReverbSettings     `json:"reverb,omitempty" toml:"reverb"`
	Delay      *DelaySettings      `json:"delay,omitempty" toml:"delay"`
	Filter     *FilterSettings     `json:"filter,omitempty" toml:"filter"`
}

// IsEmpty reports whether the patch changes nothing
func (p EffectsPatch) IsEmpty() bool {
	return p.EQ == nil && p.Compressor == nil && p.Reverb == nil && p.Delay == nil && p.Filter == nil
}

// ApplyTo returns base with the patch sections swapped in, normalized
func (p EffectsPatch) ApplyTo(base EffectsSettings) EffectsSettings {
	out := base
	if p.EQ != nil {
		out.EQ = *p.EQ
	}
	if p.Compressor != nil {
		out.Compressor = *p.Compressor
	}
	if p.Reverb != nil {
		out.Reverb = *p.Reverb
	}
	if p.Delay != nil {
		out.Delay = *p.Delay
	}
	if p.Filter != nil {
		out.Filter = *p.Filter
	}
	return out.Normalize()
}

// Clone returns a deep copy of the patch
func (p EffectsPatch) Clone() EffectsPatch {
	var out EffectsPatch
	if p.EQ != nil {
		v := *p.EQ
		out.EQ = &v
	}
	if p.Compressor != nil {
		v := *p.Compressor
		out.Compressor = &v
	}
	if p.Reverb != nil {
		v := *p.Reverb
		out.Reverb = &v
	}
	if p.Delay != nil {
		v := *p.Delay
		out.Delay = &v
	}
	if p.Filter != nil {
		v := *p.Filter
		out.Filter = &v
	}
	return out
}

// PatchFrom builds a patch that replaces every section
func PatchFrom(s EffectsSettings) EffectsPatch {
	return EffectsPatch{
		EQ:         &s.EQ,
		Compressor: &s.Compressor,
		Reverb:     &s.Reverb,
		Delay:      &s.Delay,
		Filter:     &s.Filter,
	}
}

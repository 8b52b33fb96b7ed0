package models

// StemOverride is what a preset declares for one stem category. Nil fields
// leave the track's current value alone.
type StemOverride struct {
	Volume  *float64      `json:"volume,omitempty" toml:"volume"`
	Muted   *bool         `json:"muted,omitempty" toml:"muted"`
	Effects *EffectsPatch `json:"effects,omitempty" toml:"effects"`
}

// Clone returns a deep copy of the override
func (o StemOverride) Clone() StemOverride {
	var out StemOverride
	if o.Volume != nil {
		v := *o.Volume
		out.Volume = &v
	}
	if o.Muted != nil {
		m := *o.Muted
		out.Muted = &m
	}
	if o.Effects != nil {
		p := o.Effects.Clone()
		out.Effects = &p
	}
	return out
}

// MixPreset is a named, read-only mix template
type MixPreset struct {
	ID           string                        `json:"id" toml:"id"`
	Name         string                        `json:"name" toml:"name"`
	Description  string                        `json:"description,omitempty" toml:"description"`
	MasterVolume float64                       `json:"masterVolume" toml:"master_volume"`
	Stems        map[StemCategory]StemOverride `json:"stems" toml:"stems"`
}

// Clone returns a deep copy so callers can never mutate a catalog entry
func (p MixPreset) Clone() MixPreset {
	out := p
	out.Stems = make(map[StemCategory]StemOverride, len(p.Stems))
	for k, v := range p.Stems {
		out.Stems[k] = v.Clone()
	}
	return out
}

// Float returns a pointer to v, for building overrides
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for building overrides
func Bool(v bool) *bool { return &v }

package models

import "testing"

func TestNormalizeClampsRanges(t *testing.T) {
	s := DefaultEffects()
	s.EQ.LowGain = 40
	s.EQ.HighGain = -40
	s.Delay.Feedback = 1.2
	s.Delay.TimeMs = 9000
	s.Reverb.WetDry = 3
	s.Filter.Type = "notch"
	s.Filter.Cutoff = 5

	got := s.Normalize()

	if got.EQ.LowGain != MaxEQGainDB {
		t.Errorf("LowGain = %v, want %v", got.EQ.LowGain, MaxEQGainDB)
	}
	if got.EQ.HighGain != -MaxEQGainDB {
		t.Errorf("HighGain = %v, want %v", got.EQ.HighGain, -MaxEQGainDB)
	}
	if got.Delay.Feedback >= 1 {
		t.Errorf("Feedback = %v, must stay below 1", got.Delay.Feedback)
	}
	if got.Delay.TimeMs != MaxDelayMs {
		t.Errorf("TimeMs = %v, want %v", got.Delay.TimeMs, MaxDelayMs)
	}
	if got.Reverb.WetDry != 1 {
		t.Errorf("WetDry = %v, want 1", got.Reverb.WetDry)
	}
	if got.Filter.Type != FilterLowpass {
		t.Errorf("Filter.Type = %v, want lowpass", got.Filter.Type)
	}
	if got.Filter.Cutoff != MinFrequencyHz {
		t.Errorf("Cutoff = %v, want %v", got.Filter.Cutoff, MinFrequencyHz)
	}
}

func TestNormalizeKeepsShelvesOrdered(t *testing.T) {
	s := DefaultEffects()
	s.EQ.LowFreq = 4000
	s.EQ.HighFreq = 1000

	got := s.Normalize()
	if got.EQ.HighFreq <= got.EQ.LowFreq {
		t.Errorf("HighFreq %v should be above LowFreq %v", got.EQ.HighFreq, got.EQ.LowFreq)
	}
}

func TestDefaultEffectsAreNeutral(t *testing.T) {
	s := DefaultEffects()
	if !s.EQ.IsFlat() {
		t.Error("default EQ should be flat")
	}
	if s.Compressor.Enabled || s.Reverb.Enabled || s.Delay.Enabled || s.Filter.Enabled {
		t.Error("optional stages should be disabled by default")
	}
	if s.Normalize() != s {
		t.Error("defaults should already be normalized")
	}
}

func TestEffectsPatchReplacesWholeSections(t *testing.T) {
	base := DefaultEffects()
	base.EQ.LowGain = 3
	base.Delay.Enabled = true

	patch := EffectsPatch{
		EQ: &EQSettings{MidGain: 2, LowFreq: 200, HighFreq: 4000},
	}
	got := patch.ApplyTo(base)

	if got.EQ.LowGain != 0 {
		t.Errorf("LowGain = %v, section should be replaced wholesale", got.EQ.LowGain)
	}
	if got.EQ.MidGain != 2 {
		t.Errorf("MidGain = %v, want 2", got.EQ.MidGain)
	}
	if !got.Delay.Enabled {
		t.Error("untouched section should keep its values")
	}
	if !(EffectsPatch{}).IsEmpty() {
		t.Error("zero patch should be empty")
	}
}

func TestParseStemCategory(t *testing.T) {
	tests := []struct {
		in   string
		want StemCategory
	}{
		{"vocal", StemVocal},
		{"Vocals", StemVocal},
		{"backing-vocal", StemBackingVocal},
		{"Drums", StemDrums},
		{"strings", StemStrings},
		{"theremin", StemUnclassified},
		{"", StemUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseStemCategory(tt.in); got != tt.want {
				t.Errorf("ParseStemCategory(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDescriptorToTrack(t *testing.T) {
	d := TrackDescriptor{ID: "t1", SourceURL: "  ", Pan: 3, StemCategory: "bass"}
	tr := d.ToTrack()

	if tr.Volume != 1 {
		t.Errorf("Volume = %v, missing volume should mean unity", tr.Volume)
	}
	if tr.Pan != 1 {
		t.Errorf("Pan = %v, want clamped to 1", tr.Pan)
	}
	if tr.HasSource() {
		t.Error("blank source should not count as loadable")
	}
	if tr.Category != StemBass {
		t.Errorf("Category = %v, want bass", tr.Category)
	}
}

func TestMixPresetCloneIsDeep(t *testing.T) {
	p := MixPreset{
		ID: "p",
		Stems: map[StemCategory]StemOverride{
			StemVocal: {Volume: Float(0.5)},
		},
	}
	c := p.Clone()
	*c.Stems[StemVocal].Volume = 0.1

	if *p.Stems[StemVocal].Volume != 0.5 {
		t.Error("mutating a clone leaked into the original")
	}
}

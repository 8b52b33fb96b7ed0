package preset

import "stemmix/pkg/models"

func eq(low, mid, high float64) *models.EQSettings {
	return &models.EQSettings{LowGain: low, MidGain: mid, HighGain: high, LowFreq: 320, HighFreq: 3200}
}

func comp(threshold, ratio float64) *models.CompressorSettings {
	return &models.CompressorSettings{Threshold: threshold, Ratio: ratio, Attack: 0.005, Release: 0.2, Knee: 6, Enabled: true}
}

func verb(wet, decay float64) *models.ReverbSettings {
	return &models.ReverbSettings{WetDry: wet, Decay: decay, Enabled: true}
}

func lowpass(cutoff float64) *models.FilterSettings {
	return &models.FilterSettings{Type: models.FilterLowpass, Cutoff: cutoff, Resonance: 0.9, Enabled: true}
}

func vol(v float64) models.StemOverride {
	return models.StemOverride{Volume: models.Float(v)}
}

// Builtin returns the presets that ship with the engine
func Builtin() []models.MixPreset {
	return []models.MixPreset{
		{
			ID:           "balanced",
			Name:         "Balanced",
			Description:  "Even levels across every stem",
			MasterVolume: 0.85,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal:        vol(0.8),
				models.StemInstrumental: vol(0.75),
				models.StemDrums:        vol(0.75),
				models.StemBass:         vol(0.7),
				models.StemGuitar:       vol(0.65),
				models.StemPiano:        vol(0.65),
				models.StemOther:        vol(0.6),
			},
		},
		{
			ID:           "vocal-spotlight",
			Name:         "Vocal Spotlight",
			Description:  "Lead vocal forward and polished, band pulled back",
			MasterVolume: 0.9,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal: {
					Volume: models.Float(1.0),
					Muted:  models.Bool(false),
					Effects: &models.EffectsPatch{
						EQ:         eq(-2, 3, 2),
						Compressor: comp(-18, 3),
						Reverb:     verb(0.2, 1.8),
					},
				},
				models.StemInstrumental: vol(0.55),
				models.StemDrums:        vol(0.5),
				models.StemBass:         vol(0.55),
				models.StemGuitar:       vol(0.45),
				models.StemPiano:        vol(0.45),
				models.StemOther:        vol(0.4),
			},
		},
		{
			ID:           "karaoke",
			Name:         "Karaoke",
			Description:  "Lead vocal removed, everything else up",
			MasterVolume: 0.9,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal:        {Volume: models.Float(0), Muted: models.Bool(true)},
				models.StemInstrumental: {Volume: models.Float(0.9), Muted: models.Bool(false)},
				models.StemDrums:        vol(0.8),
				models.StemBass:         vol(0.8),
				models.StemGuitar:       vol(0.75),
				models.StemPiano:        vol(0.75),
				models.StemOther:        vol(0.7),
			},
		},
		{
			ID:           "instrumental",
			Name:         "Instrumental",
			Description:  "Vocals muted, band left at full width",
			MasterVolume: 0.85,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal:        {Muted: models.Bool(true)},
				models.StemInstrumental: vol(0.85),
				models.StemDrums:        vol(0.85),
				models.StemBass:         vol(0.8),
				models.StemGuitar:       vol(0.8),
				models.StemPiano:        vol(0.8),
				models.StemOther:        vol(0.75),
			},
		},
		{
			ID:           "radio-ready",
			Name:         "Radio Ready",
			Description:  "Compressed and bright for small speakers",
			MasterVolume: 0.95,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal: {
					Volume:  models.Float(0.9),
					Effects: &models.EffectsPatch{EQ: eq(-1, 2, 3), Compressor: comp(-20, 4)},
				},
				models.StemInstrumental: {
					Volume:  models.Float(0.75),
					Effects: &models.EffectsPatch{Compressor: comp(-22, 3)},
				},
				models.StemDrums: {
					Volume:  models.Float(0.85),
					Effects: &models.EffectsPatch{EQ: eq(2, 0, 2), Compressor: comp(-16, 4)},
				},
				models.StemBass: {
					Volume:  models.Float(0.8),
					Effects: &models.EffectsPatch{EQ: eq(3, -1, 0), Compressor: comp(-20, 5)},
				},
				models.StemGuitar: vol(0.7),
				models.StemPiano:  vol(0.7),
				models.StemOther:  vol(0.65),
			},
		},
		{
			ID:           "lo-fi",
			Name:         "Lo-Fi",
			Description:  "Dark, roomy and relaxed",
			MasterVolume: 0.8,
			Stems: map[models.StemCategory]models.StemOverride{
				models.StemVocal: {
					Volume:  models.Float(0.75),
					Effects: &models.EffectsPatch{Filter: lowpass(4500), Reverb: verb(0.35, 2.5)},
				},
				models.StemInstrumental: {
					Volume:  models.Float(0.8),
					Effects: &models.EffectsPatch{Filter: lowpass(3500)},
				},
				models.StemDrums: {
					Volume:  models.Float(0.7),
					Effects: &models.EffectsPatch{Filter: lowpass(3000), Compressor: comp(-24, 6)},
				},
				models.StemBass: vol(0.75),
				models.StemGuitar: {
					Volume:  models.Float(0.65),
					Effects: &models.EffectsPatch{Filter: lowpass(3500), Reverb: verb(0.3, 2)},
				},
				models.StemPiano: {
					Volume:  models.Float(0.7),
					Effects: &models.EffectsPatch{Filter: lowpass(3000), Reverb: verb(0.4, 3)},
				},
				models.StemOther: vol(0.6),
			},
		},
	}
}

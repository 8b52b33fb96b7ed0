package models

import "strings"

// StemCategory identifies what kind of stem a track carries
type StemCategory string

const (
	StemVocal        StemCategory = "vocal"
	StemInstrumental StemCategory = "instrumental"
	StemDrums        StemCategory = "drums"
	StemBass         StemCategory = "bass"
	StemGuitar       StemCategory = "guitar"
	StemPiano        StemCategory = "piano"
	StemOther        StemCategory = "other"

	StemBackingVocal StemCategory = "backing_vocal"
	StemSynth        StemCategory = "synth"
	StemKeys         StemCategory = "keys"
	StemStrings      StemCategory = "strings"
	StemPercussion   StemCategory = "percussion"
	StemFX           StemCategory = "fx"
	StemUnclassified StemCategory = "unclassified"
)

// AllStemCategories lists every known category in display order
var AllStemCategories = []StemCategory{
	StemVocal, StemInstrumental, StemDrums, StemBass, StemGuitar, StemPiano, StemOther,
	StemBackingVocal, StemSynth, StemKeys, StemStrings, StemPercussion, StemFX, StemUnclassified,
}

// ParseStemCategory maps free-form input onto the closed category set.
// Unknown values become StemUnclassified.
func ParseStemCategory(s string) StemCategory {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, c := range AllStemCategories {
		if string(c) == normalized {
			return c
		}
	}
	switch normalized {
	case "vocals", "voice", "lead_vocal":
		return StemVocal
	case "backing_vocals", "backing", "choir":
		return StemBackingVocal
	case "drum", "kit":
		return StemDrums
	case "instrumentals", "inst", "accompaniment":
		return StemInstrumental
	case "guitars":
		return StemGuitar
	case "effects", "sfx":
		return StemFX
	}
	return StemUnclassified
}

// Master holds the bus-wide volume and mute
type Master struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// DefaultMaster returns unity gain, unmuted
func DefaultMaster() Master {
	return Master{Volume: 1.0}
}

// Track represents a single stem in a mixing session
type Track struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	SourceURL string          `json:"sourceUrl,omitempty"` // empty while the stem is still being produced
	Volume    float64         `json:"volume"`              // 0.0 to 1.0
	Pan       float64         `json:"pan"`                 // -1.0 (left) to 1.0 (right)
	Muted     bool            `json:"muted"`
	Solo      bool            `json:"solo"`
	Category  StemCategory    `json:"stemCategory"`
	Effects   EffectsSettings `json:"effects"`
}

// HasSource reports whether the track can be loaded
func (t Track) HasSource() bool {
	return strings.TrimSpace(t.SourceURL) != ""
}

// TrackDescriptor is the inbound description of a track handed over by the host
type TrackDescriptor struct {
	ID           string           `json:"id" toml:"id"`
	Name         string           `json:"name,omitempty" toml:"name"`
	SourceURL    string           `json:"sourceUrl,omitempty" toml:"source_url"`
	Volume       *float64         `json:"volume,omitempty" toml:"volume"`
	Pan          float64          `json:"pan" toml:"pan"`
	Muted        bool             `json:"muted" toml:"muted"`
	Solo         bool             `json:"solo" toml:"solo"`
	StemCategory string           `json:"stemCategory" toml:"stem_category"`
	Effects      *EffectsSettings `json:"effects,omitempty" toml:"effects"`
}

// ToTrack converts a descriptor into a normalized Track. A missing volume
// means unity.
func (d TrackDescriptor) ToTrack() Track {
	t := Track{
		ID:        d.ID,
		Name:      d.Name,
		SourceURL: strings.TrimSpace(d.SourceURL),
		Volume:    1.0,
		Pan:       d.Pan,
		Muted:     d.Muted,
		Solo:      d.Solo,
		Category:  ParseStemCategory(d.StemCategory),
		Effects:   DefaultEffects(),
	}
	if d.Volume != nil {
		t.Volume = *d.Volume
	}
	if d.Effects != nil {
		t.Effects = *d.Effects
	}
	t.Volume = Clamp(t.Volume, 0, 1)
	t.Pan = Clamp(t.Pan, -1, 1)
	t.Effects = t.Effects.Normalize()
	return t
}

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

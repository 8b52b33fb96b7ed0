// Package preset resolves named mix templates against a session's stems.
package preset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"stemmix/pkg/models"
)

// ErrUnknownPreset is returned for an id that is not in the catalog
var ErrUnknownPreset = errors.New("unknown preset")

// NeutralVolume is used for a category that neither the preset nor its
// fallbacks declare
const NeutralVolume = 0.7

// Catalog holds the presets available to sessions. Entries are never
// handed out by reference.
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]models.MixPreset
	builtin map[string]bool
}

// NewCatalog creates a catalog seeded with the built-in presets
func NewCatalog() *Catalog {
	c := &Catalog{
		presets: make(map[string]models.MixPreset),
		builtin: make(map[string]bool),
	}
	for _, p := range Builtin() {
		c.presets[p.ID] = p
		c.builtin[p.ID] = true
	}
	return c
}

// Merge adds or replaces presets. Presets merged earlier that are absent
// from this batch are dropped; built-ins always stay.
func (c *Catalog) Merge(presets []models.MixPreset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]models.MixPreset, len(c.builtin)+len(presets))
	for _, p := range Builtin() {
		next[p.ID] = p
	}
	for _, p := range presets {
		next[p.ID] = p.Clone()
	}
	c.presets = next
}

// Get returns a copy of a preset
func (c *Catalog) Get(id string) (models.MixPreset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.presets[id]
	if !ok {
		return models.MixPreset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, id)
	}
	return p.Clone(), nil
}

// List returns copies of every preset, built-ins first, then by id
func (c *Catalog) List() []models.MixPreset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.MixPreset, 0, len(c.presets))
	for _, p := range c.presets {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := c.builtin[out[i].ID], c.builtin[out[j].ID]
		if bi != bj {
			return bi
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve returns the override a preset declares for a category, walking
// the category's fallback chain and ending at a neutral volume.
func (c *Catalog) Resolve(presetID string, category models.StemCategory) (models.StemOverride, error) {
	p, err := c.Get(presetID)
	if err != nil {
		return models.StemOverride{}, err
	}
	return resolve(p, category), nil
}

func resolve(p models.MixPreset, category models.StemCategory) models.StemOverride {
	if o, ok := p.Stems[category]; ok {
		return o.Clone()
	}
	for _, fb := range Fallbacks(category) {
		if o, ok := p.Stems[fb]; ok {
			return o.Clone()
		}
	}
	return models.StemOverride{Volume: models.Float(NeutralVolume)}
}

// Fallbacks lists the categories tried, in order, when a preset does not
// declare a category itself
func Fallbacks(category models.StemCategory) []models.StemCategory {
	switch category {
	case models.StemVocal, models.StemInstrumental, models.StemDrums, models.StemBass,
		models.StemGuitar, models.StemPiano, models.StemOther:
		return nil
	case models.StemBackingVocal:
		return []models.StemCategory{models.StemVocal, models.StemOther}
	case models.StemSynth, models.StemKeys:
		return []models.StemCategory{models.StemPiano, models.StemOther}
	case models.StemStrings:
		return []models.StemCategory{models.StemPiano, models.StemInstrumental, models.StemOther}
	case models.StemPercussion:
		return []models.StemCategory{models.StemDrums, models.StemOther}
	case models.StemFX, models.StemUnclassified:
		return []models.StemCategory{models.StemOther}
	default:
		return []models.StemCategory{models.StemOther}
	}
}

// TrackUpdate is the complete new state for one track
type TrackUpdate struct {
	TrackID string                 `json:"trackId"`
	Volume  float64                `json:"volume"`
	Muted   bool                   `json:"muted"`
	Effects models.EffectsSettings `json:"effects"`
}

// Plan is the result of applying a preset: one update per track plus the
// new master volume
type Plan struct {
	PresetID     string        `json:"presetId"`
	MasterVolume float64       `json:"masterVolume"`
	Tracks       []TrackUpdate `json:"tracks"`
}

// Apply computes the state every track takes under a preset. Each track is
// resolved against a neutral base (unmuted, neutral volume, default effects)
// so the outcome never depends on what was applied before. It does not
// touch the tracks or the preset.
func (c *Catalog) Apply(presetID string, tracks []models.Track) (Plan, error) {
	p, err := c.Get(presetID)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		PresetID:     p.ID,
		MasterVolume: models.Clamp(p.MasterVolume, 0, 1),
		Tracks:       make([]TrackUpdate, 0, len(tracks)),
	}
	for _, t := range tracks {
		plan.Tracks = append(plan.Tracks, neutralUpdate(t.ID, resolve(p, t.Category)))
	}
	return plan, nil
}

func neutralUpdate(trackID string, o models.StemOverride) TrackUpdate {
	u := TrackUpdate{
		TrackID: trackID,
		Volume:  NeutralVolume,
		Effects: models.DefaultEffects(),
	}
	if o.Volume != nil {
		u.Volume = models.Clamp(*o.Volume, 0, 1)
	}
	if o.Muted != nil {
		u.Muted = *o.Muted
	}
	if o.Effects != nil {
		u.Effects = o.Effects.ApplyTo(u.Effects)
	}
	return u
}

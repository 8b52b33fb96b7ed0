// Package gain turns mute, solo and volume state into the gain each track
// actually plays at.
package gain

import "stemmix/pkg/models"

// AnySolo reports whether any track in the set is soloed
func AnySolo(all []models.Track) bool {
	for _, t := range all {
		if t.Solo {
			return true
		}
	}
	return false
}

// Effective computes one track's gain given the full track set. Solo is
// evaluated across every track in the set, loaded or not.
//
// Master mute wins, then solo exclusion, then the track's own mute;
// otherwise the gain is volume times master volume.
func Effective(track models.Track, all []models.Track, master models.Master) float64 {
	return effective(track, AnySolo(all), master)
}

// ResolveAll computes every track's gain in one pass, keyed by track ID
func ResolveAll(all []models.Track, master models.Master) map[string]float64 {
	solo := AnySolo(all)
	out := make(map[string]float64, len(all))
	for _, t := range all {
		out[t.ID] = effective(t, solo, master)
	}
	return out
}

// Audible reports whether the track would be heard at all
func Audible(track models.Track, all []models.Track, master models.Master) bool {
	return Effective(track, all, master) > 0
}

func effective(t models.Track, anySolo bool, master models.Master) float64 {
	switch {
	case master.Muted:
		return 0
	case anySolo && !t.Solo:
		return 0
	case t.Muted:
		return 0
	}
	return models.Clamp(t.Volume, 0, 1) * models.Clamp(master.Volume, 0, 1)
}

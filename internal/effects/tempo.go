package effects

import (
	"math"

	"stemmix/pkg/models"
)

// noteDivisions are delay lengths in beats: straight, dotted and triplet values
var noteDivisions = []float64{
	1.0 / 8, 1.0 / 6, 3.0 / 16,
	1.0 / 4, 1.0 / 3, 3.0 / 8,
	1.0 / 2, 2.0 / 3, 3.0 / 4,
	1, 4.0 / 3, 3.0 / 2,
	2, 3, 4,
}

// SyncedDelayMs snaps a delay time onto the nearest note division at the
// given tempo. A non-positive tempo leaves the time unchanged.
func SyncedDelayMs(ms, bpm float64) float64 {
	if bpm <= 0 {
		return ms
	}
	beat := 60000 / bpm
	best, bestDist := ms, math.Inf(1)
	for _, d := range noteDivisions {
		cand := beat * d
		if cand < models.MinDelayMs || cand > models.MaxDelayMs {
			continue
		}
		if dist := math.Abs(cand - ms); dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best
}

// reverbMeanCombSamples is the average comb length of the reverb tank.
// The tank is tuned in samples, so its loop time depends on the rate.
const reverbMeanCombSamples = 1378.0

// DecayToRoomSize maps an RT60 decay time onto comb feedback:
// g = 10^(-3 * loop / decay).
func DecayToRoomSize(decaySeconds, sampleRate float64) float64 {
	if decaySeconds <= 0 || sampleRate <= 0 {
		return 0.5
	}
	loop := reverbMeanCombSamples / sampleRate
	g := math.Pow(10, -3*loop/decaySeconds)
	return models.Clamp(g, 0.5, 0.98)
}

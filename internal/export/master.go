package export

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/measure/loudness"
	dsptime "github.com/cwbudde/algo-dsp/stats/time"
)

// peakCeilingDB is the target of peak normalization
const peakCeilingDB = -1.0

// silenceLUFS is reported for programme material the meter cannot gate
const silenceLUFS = -120.0

// limiterLookaheadMs is how far ahead the limiter looks for peaks
const limiterLookaheadMs = 3.0

// masterStats describes the mastered mix
type masterStats struct {
	PeakDB       float64
	LoudnessLUFS float64
}

// master normalizes and limits frames in place
func master(frames [][2]float64, sampleRate float64, opts Options) (masterStats, error) {
	if opts.Normalize {
		var g float64
		if opts.TargetLUFS < 0 {
			g = loudnessGain(frames, sampleRate, opts.TargetLUFS)
		} else {
			g = peakGain(frames, peakCeilingDB)
		}
		applyGain(frames, g)
	}

	if opts.Limiter {
		if err := limit(frames, sampleRate, opts.LimiterThresholdDb); err != nil {
			return masterStats{}, err
		}
	}

	return masterStats{
		PeakDB:       toDB(peak(frames)),
		LoudnessLUFS: integratedLoudness(frames, sampleRate),
	}, nil
}

// integratedLoudness measures the programme loudness of frames
func integratedLoudness(frames [][2]float64, sampleRate float64) float64 {
	m := loudness.NewMeter(
		loudness.WithSampleRate(sampleRate),
		loudness.WithChannels(2),
	)
	m.StartIntegration()
	sample := make([]float64, 2)
	for _, f := range frames {
		sample[0], sample[1] = f[0], f[1]
		m.ProcessSample(sample)
	}
	l := m.Integrated()
	if math.IsInf(l, 0) || math.IsNaN(l) {
		return silenceLUFS
	}
	return l
}

// loudnessGain returns the linear gain that brings frames to target LUFS.
// Silence gets unity gain.
func loudnessGain(frames [][2]float64, sampleRate, target float64) float64 {
	l := integratedLoudness(frames, sampleRate)
	if l <= -70 {
		return 1
	}
	return math.Pow(10, (target-l)/20)
}

// peakGain returns the linear gain that puts the highest peak at ceilingDB
func peakGain(frames [][2]float64, ceilingDB float64) float64 {
	p := peak(frames)
	if p == 0 {
		return 1
	}
	return math.Pow(10, ceilingDB/20) / p
}

func peak(frames [][2]float64) float64 {
	left := make([]float64, len(frames))
	right := make([]float64, len(frames))
	for i, f := range frames {
		left[i], right[i] = f[0], f[1]
	}
	return math.Max(dsptime.Peak(left), dsptime.Peak(right))
}

func applyGain(frames [][2]float64, g float64) {
	if g == 1 {
		return
	}
	for i := range frames {
		frames[i][0] *= g
		frames[i][1] *= g
	}
}

// limit runs a stereo-linked lookahead limiter over frames. Both channels
// share the louder channel as detector so the image does not shift. The
// lookahead delay is compensated so the output stays sample aligned.
func limit(frames [][2]float64, sampleRate, thresholdDB float64) error {
	var lims [2]*dynamics.LookaheadLimiter
	for ch := range lims {
		l, err := dynamics.NewLookaheadLimiter(sampleRate)
		if err != nil {
			return err
		}
		if err := l.SetThreshold(thresholdDB); err != nil {
			return err
		}
		if err := l.SetLookahead(limiterLookaheadMs); err != nil {
			return err
		}
		lims[ch] = l
	}

	delay := int(math.Round(limiterLookaheadMs * sampleRate / 1000))
	n := len(frames)
	for i := 0; i < n+delay; i++ {
		var in [2]float64
		if i < n {
			in = frames[i]
		}
		det := math.Max(math.Abs(in[0]), math.Abs(in[1]))
		l := lims[0].ProcessSampleSidechain(in[0], det)
		r := lims[1].ProcessSampleSidechain(in[1], det)
		if j := i - delay; j >= 0 {
			frames[j] = [2]float64{l, r}
		}
	}
	return nil
}

func toDB(v float64) float64 {
	if v <= 0 {
		return -120
	}
	return 20 * math.Log10(v)
}

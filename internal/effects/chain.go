package effects

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"stemmix/pkg/models"

	dspfx "github.com/cwbudde/algo-dsp/dsp/effects"
	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/dsp/effects/reverb"
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// blockSize is the sub-block length at which parameters are re-evaluated
const blockSize = 64

const shelfQ = 0.707

// Options tune the ramps used by every chain
type Options struct {
	SampleRate float64
	Smoothing  time.Duration // time constant for numeric parameters
	BypassRamp time.Duration // length of enable/disable crossfades
}

// DefaultOptions returns 20ms parameter smoothing and 10ms bypass fades
func DefaultOptions(sampleRate float64) Options {
	return Options{
		SampleRate: sampleRate,
		Smoothing:  20 * time.Millisecond,
		BypassRamp: 10 * time.Millisecond,
	}
}

// Chain is the fixed per-track effects topology:
//
//	EQ (low shelf, mid peak, high shelf) -> compressor -> delay -> filter
//	                                                           \-> reverb send (added back)
//
// Every stage exists for the lifetime of the chain. Disabling a stage
// crossfades it out instead of removing it. Control goroutines publish
// settings through Update/SetBypass; Process runs on the audio goroutine.
type Chain struct {
	trackID string
	sr      float64
	tempo   func() float64

	mu     sync.Mutex // serializes control-side writers
	target atomic.Pointer[models.EffectsSettings]
	bypass atomic.Bool
	snap   atomic.Bool

	// Everything below belongs to the audio goroutine.
	seen *models.EffectsSettings

	eqLowGain, eqMidGain, eqHighGain *Smoother
	eqLowFreq, eqHighFreq            *Smoother
	compThreshold, compRatio         *Smoother
	compKnee                         *Smoother
	delayTime, delayFeedback         *Smoother
	delayMix                         *Smoother
	filterLogCutoff, filterQ         *Smoother
	reverbWet, reverbDecay           *Smoother

	compFade, delayFade, filterFade *Fade
	reverbFade, chainFade           *Fade

	filterType             models.FilterType
	compAttack, compRelease float64

	eq     [3][2]*biquad.Section
	comp   [2]*dynamics.Compressor
	delay  [2]*dspfx.Delay
	filter [2]*biquad.Section
	reverb [2]*reverb.Reverb

	lastEQ     [5]float64
	lastComp   [3]float64
	lastDelay  [3]float64
	lastFilter [2]float64
	lastDecay  float64
	lastType   models.FilterType

	l, r, dryL, dryR, tmpL, tmpR, mix []float64
}

// NewChain builds a chain resting at the given settings
func NewChain(trackID string, initial models.EffectsSettings, opts Options, tempo func() float64) (*Chain, error) {
	sr := opts.SampleRate
	s := initial.Normalize()
	tau := opts.Smoothing.Seconds()
	fade := opts.BypassRamp.Seconds()

	if tempo == nil {
		tempo = func() float64 { return 0 }
	}

	c := &Chain{
		trackID: trackID,
		sr:      sr,
		tempo:   tempo,

		eqLowGain:  NewSmoother(s.EQ.LowGain, tau, sr),
		eqMidGain:  NewSmoother(s.EQ.MidGain, tau, sr),
		eqHighGain: NewSmoother(s.EQ.HighGain, tau, sr),
		eqLowFreq:  NewSmoother(s.EQ.LowFreq, tau, sr),
		eqHighFreq: NewSmoother(s.EQ.HighFreq, tau, sr),

		compThreshold: NewSmoother(s.Compressor.Threshold, tau, sr),
		compRatio:     NewSmoother(s.Compressor.Ratio, tau, sr),
		compKnee:      NewSmoother(s.Compressor.Knee, tau, sr),

		delayTime:     NewSmoother(effectiveDelayMs(s.Delay, tempo()), tau, sr),
		delayFeedback: NewSmoother(s.Delay.Feedback, tau, sr),
		delayMix:      NewSmoother(s.Delay.Mix, tau, sr),

		filterLogCutoff: NewSmoother(math.Log2(s.Filter.Cutoff), tau, sr),
		filterQ:         NewSmoother(s.Filter.Resonance, tau, sr),

		reverbWet:   NewSmoother(s.Reverb.WetDry, tau, sr),
		reverbDecay: NewSmoother(s.Reverb.Decay, tau, sr),

		compFade:   NewFade(s.Compressor.Enabled, fade, sr),
		delayFade:  NewFade(s.Delay.Enabled, fade, sr),
		filterFade: NewFade(s.Filter.Enabled, fade, sr),
		reverbFade: NewFade(s.Reverb.Enabled, fade, sr),
		chainFade:  NewFade(true, fade, sr),

		filterType:  s.Filter.Type,
		compAttack:  s.Compressor.Attack,
		compRelease: s.Compressor.Release,
	}

	for ch := 0; ch < 2; ch++ {
		for band := 0; band < 3; band++ {
			c.eq[band][ch] = biquad.NewSection(biquad.Coefficients{B0: 1})
		}
		c.filter[ch] = biquad.NewSection(biquad.Coefficients{B0: 1})

		comp, err := dynamics.NewCompressor(sr)
		if err != nil {
			return nil, err
		}
		if err := comp.SetAutoMakeup(false); err != nil {
			return nil, err
		}
		if err := comp.SetMakeupGain(0); err != nil {
			return nil, err
		}
		c.comp[ch] = comp

		d, err := dspfx.NewDelay(sr)
		if err != nil {
			return nil, err
		}
		c.delay[ch] = d

		rv := reverb.NewReverb()
		rv.SetWet(1)
		rv.SetDry(0)
		c.reverb[ch] = rv
	}

	c.l = make([]float64, blockSize)
	c.r = make([]float64, blockSize)
	c.dryL = make([]float64, blockSize)
	c.dryR = make([]float64, blockSize)
	c.tmpL = make([]float64, blockSize)
	c.tmpR = make([]float64, blockSize)
	c.mix = make([]float64, blockSize)

	c.invalidate()
	c.applyTimeConstants()
	c.target.Store(&s)
	return c, nil
}

// TrackID returns the owning track
func (c *Chain) TrackID() string { return c.trackID }

// Settings returns the most recently published settings
func (c *Chain) Settings() models.EffectsSettings {
	return *c.target.Load()
}

// Update merges a partial patch into the current settings
func (c *Chain) Update(patch models.EffectsPatch) models.EffectsSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := patch.ApplyTo(*c.target.Load())
	c.target.Store(&next)
	return next
}

// Replace publishes a complete settings value
func (c *Chain) Replace(s models.EffectsSettings) models.EffectsSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := s.Normalize()
	c.target.Store(&next)
	return next
}

// SetBypass routes the signal around the whole chain
func (c *Chain) SetBypass(bypassed bool) { c.bypass.Store(bypassed) }

// Bypassed reports the requested bypass state
func (c *Chain) Bypassed() bool { return c.bypass.Load() }

// Snap makes the next processed block jump every ramp to its target.
// Offline renders use it so the first sample already carries the final
// parameters.
func (c *Chain) Snap() { c.snap.Store(true) }

// Process runs the chain in place over interleaved stereo frames
func (c *Chain) Process(frames [][2]float64) {
	for off := 0; off < len(frames); off += blockSize {
		end := off + blockSize
		if end > len(frames) {
			end = len(frames)
		}
		c.processBlock(frames[off:end])
	}
}

func (c *Chain) processBlock(frames [][2]float64) {
	n := len(frames)
	c.pull()
	if c.snap.Swap(false) {
		c.snapAll()
	}
	c.advance(n)

	l, r := c.l[:n], c.r[:n]
	for i, f := range frames {
		l[i], r[i] = f[0], f[1]
	}
	dryL, dryR := c.dryL[:n], c.dryR[:n]
	copy(dryL, l)
	copy(dryR, r)

	for band := 0; band < 3; band++ {
		c.eq[band][0].ProcessBlock(l)
		c.eq[band][1].ProcessBlock(r)
	}

	c.runStage(c.compFade, l, r, func(x, y []float64) {
		c.comp[0].ProcessInPlace(x)
		c.comp[1].ProcessInPlace(y)
	})
	c.runStage(c.delayFade, l, r, func(x, y []float64) {
		c.delay[0].ProcessInPlace(x)
		c.delay[1].ProcessInPlace(y)
	})
	c.runStage(c.filterFade, l, r, func(x, y []float64) {
		c.filter[0].ProcessBlock(x)
		c.filter[1].ProcessBlock(y)
	})

	if !c.reverbFade.Silent() {
		tl, tr := c.tmpL[:n], c.tmpR[:n]
		copy(tl, l)
		copy(tr, r)
		c.reverb[0].ProcessInPlace(tl)
		c.reverb[1].ProcessInPlace(tr)
		mix := c.mix[:n]
		c.reverbFade.Fill(mix)
		wet := c.reverbWet.Value()
		for i := range l {
			l[i] += tl[i] * wet * mix[i]
			r[i] += tr[i] * wet * mix[i]
		}
	}

	switch {
	case c.chainFade.Full():
		for i := range frames {
			frames[i][0], frames[i][1] = l[i], r[i]
		}
	case c.chainFade.Silent():
		for i := range frames {
			frames[i][0], frames[i][1] = dryL[i], dryR[i]
		}
	default:
		mix := c.mix[:n]
		c.chainFade.Fill(mix)
		for i := range frames {
			frames[i][0] = dryL[i] + (l[i]-dryL[i])*mix[i]
			frames[i][1] = dryR[i] + (r[i]-dryR[i])*mix[i]
		}
	}
}

// runStage applies proc with its enable crossfade. A stage resting off is
// skipped entirely.
func (c *Chain) runStage(f *Fade, l, r []float64, proc func(x, y []float64)) {
	if f.Silent() {
		return
	}
	if f.Full() {
		proc(l, r)
		return
	}
	n := len(l)
	tl, tr := c.tmpL[:n], c.tmpR[:n]
	copy(tl, l)
	copy(tr, r)
	proc(tl, tr)
	mix := c.mix[:n]
	f.Fill(mix)
	for i := range l {
		l[i] += (tl[i] - l[i]) * mix[i]
		r[i] += (tr[i] - r[i]) * mix[i]
	}
}

// pull picks up settings published by the control side
func (c *Chain) pull() {
	c.chainFade.Set(!c.bypass.Load())

	s := c.target.Load()
	if s != c.seen {
		c.seen = s
		c.retarget(*s)
	}
	c.delayTime.SetTarget(effectiveDelayMs(c.seen.Delay, c.tempo()))
}

func (c *Chain) retarget(s models.EffectsSettings) {
	c.eqLowGain.SetTarget(s.EQ.LowGain)
	c.eqMidGain.SetTarget(s.EQ.MidGain)
	c.eqHighGain.SetTarget(s.EQ.HighGain)
	c.eqLowFreq.SetTarget(s.EQ.LowFreq)
	c.eqHighFreq.SetTarget(s.EQ.HighFreq)

	c.compThreshold.SetTarget(s.Compressor.Threshold)
	c.compRatio.SetTarget(s.Compressor.Ratio)
	c.compKnee.SetTarget(s.Compressor.Knee)
	if s.Compressor.Attack != c.compAttack || s.Compressor.Release != c.compRelease {
		c.compAttack, c.compRelease = s.Compressor.Attack, s.Compressor.Release
		c.applyTimeConstants()
	}

	c.delayFeedback.SetTarget(s.Delay.Feedback)
	c.delayMix.SetTarget(s.Delay.Mix)

	c.filterLogCutoff.SetTarget(math.Log2(s.Filter.Cutoff))
	c.filterQ.SetTarget(s.Filter.Resonance)
	c.filterType = s.Filter.Type

	c.reverbWet.SetTarget(s.Reverb.WetDry)
	c.reverbDecay.SetTarget(s.Reverb.Decay)

	// A stage coming back from rest starts from clean state.
	if s.Compressor.Enabled && c.compFade.Silent() {
		c.comp[0].Reset()
		c.comp[1].Reset()
	}
	if s.Delay.Enabled && c.delayFade.Silent() {
		c.delay[0].Reset()
		c.delay[1].Reset()
	}
	if s.Filter.Enabled && c.filterFade.Silent() {
		c.filter[0].Reset()
		c.filter[1].Reset()
	}
	if s.Reverb.Enabled && c.reverbFade.Silent() {
		c.reverb[0].Reset()
		c.reverb[1].Reset()
	}

	c.compFade.Set(s.Compressor.Enabled)
	c.delayFade.Set(s.Delay.Enabled)
	c.filterFade.Set(s.Filter.Enabled)
	c.reverbFade.Set(s.Reverb.Enabled)
}

func (c *Chain) smoothers() []*Smoother {
	return []*Smoother{
		c.eqLowGain, c.eqMidGain, c.eqHighGain, c.eqLowFreq, c.eqHighFreq,
		c.compThreshold, c.compRatio, c.compKnee,
		c.delayTime, c.delayFeedback, c.delayMix,
		c.filterLogCutoff, c.filterQ,
		c.reverbWet, c.reverbDecay,
	}
}

func (c *Chain) snapAll() {
	for _, s := range c.smoothers() {
		s.Snap()
	}
	for _, f := range []*Fade{c.compFade, c.delayFade, c.filterFade, c.reverbFade, c.chainFade} {
		f.Snap()
	}
}

// advance moves every ramp n samples and pushes changed values into the
// DSP stages.
func (c *Chain) advance(n int) {
	for _, s := range c.smoothers() {
		s.Advance(n)
	}

	eq := [5]float64{
		c.eqLowGain.Value(), c.eqMidGain.Value(), c.eqHighGain.Value(),
		c.eqLowFreq.Value(), c.eqHighFreq.Value(),
	}
	if eq != c.lastEQ {
		c.lastEQ = eq
		c.applyEQ(eq)
	}

	comp := [3]float64{c.compThreshold.Value(), c.compRatio.Value(), c.compKnee.Value()}
	if comp != c.lastComp {
		c.lastComp = comp
		for _, cp := range c.comp {
			_ = cp.SetThreshold(comp[0])
			_ = cp.SetRatio(models.Clamp(comp[1], 1, 100))
			_ = cp.SetKnee(models.Clamp(comp[2], 0, 24))
		}
	}

	dl := [3]float64{c.delayTime.Value(), c.delayFeedback.Value(), c.delayMix.Value()}
	if dl != c.lastDelay {
		c.lastDelay = dl
		for _, d := range c.delay {
			_ = d.SetTime(models.Clamp(dl[0]/1000, 0.001, 2.0))
			_ = d.SetFeedback(models.Clamp(dl[1], 0, 0.99))
			_ = d.SetMix(models.Clamp(dl[2], 0, 1))
		}
	}

	flt := [2]float64{c.filterLogCutoff.Value(), c.filterQ.Value()}
	if flt != c.lastFilter || c.filterType != c.lastType {
		c.lastFilter = flt
		c.lastType = c.filterType
		c.applyFilter(flt)
	}

	if decay := c.reverbDecay.Value(); decay != c.lastDecay {
		c.lastDecay = decay
		room := DecayToRoomSize(decay, c.sr)
		c.reverb[0].SetRoomSize(room)
		c.reverb[1].SetRoomSize(room)
	}
}

func (c *Chain) applyEQ(v [5]float64) {
	lowFreq := c.nyquistSafe(v[3])
	highFreq := c.nyquistSafe(v[4])
	mid := c.nyquistSafe(math.Sqrt(lowFreq * highFreq))
	midQ := models.Clamp(mid/math.Max(highFreq-lowFreq, 1), 0.3, 4)

	coeffs := [3]biquad.Coefficients{
		design.LowShelf(lowFreq, v[0], shelfQ, c.sr),
		design.Peak(mid, v[1], midQ, c.sr),
		design.HighShelf(highFreq, v[2], shelfQ, c.sr),
	}
	for band := range coeffs {
		c.eq[band][0].Coefficients = coeffs[band]
		c.eq[band][1].Coefficients = coeffs[band]
	}
}

func (c *Chain) applyFilter(v [2]float64) {
	freq := c.nyquistSafe(math.Exp2(v[0]))
	q := models.Clamp(v[1], models.MinFilterQ, models.MaxFilterQ)

	var coeffs biquad.Coefficients
	switch c.filterType {
	case models.FilterHighpass:
		coeffs = design.Highpass(freq, q, c.sr)
	case models.FilterBandpass:
		coeffs = design.Bandpass(freq, q, c.sr)
	default:
		coeffs = design.Lowpass(freq, q, c.sr)
	}
	c.filter[0].Coefficients = coeffs
	c.filter[1].Coefficients = coeffs
}

func (c *Chain) applyTimeConstants() {
	for _, cp := range c.comp {
		_ = cp.SetAttack(models.Clamp(c.compAttack*1000, 0.1, 1000))
		_ = cp.SetRelease(models.Clamp(c.compRelease*1000, 1, 5000))
	}
}

// invalidate forces every stage to be reconfigured on the next block
func (c *Chain) invalidate() {
	nan := math.NaN()
	c.lastEQ = [5]float64{nan, nan, nan, nan, nan}
	c.lastComp = [3]float64{nan, nan, nan}
	c.lastDelay = [3]float64{nan, nan, nan}
	c.lastFilter = [2]float64{nan, nan}
	c.lastDecay = nan
}

func (c *Chain) nyquistSafe(freq float64) float64 {
	return models.Clamp(freq, models.MinFrequencyHz, 0.45*c.sr)
}

func effectiveDelayMs(d models.DelaySettings, bpm float64) float64 {
	if d.SyncToTempo && bpm > 0 {
		return SyncedDelayMs(d.TimeMs, bpm)
	}
	return d.TimeMs
}

package graph

import (
	"math"
	"sync/atomic"
	"time"

	"stemmix/internal/effects"
	"stemmix/internal/media"
)

// tapWindow is how much recent audio a path tap keeps for analysis
const tapWindow = 100 * time.Millisecond

// Path is one track's signal chain:
// element -> effects chain -> gain -> pan -> tap.
// Gain and pan targets are published atomically by control code and ramped
// on the audio goroutine.
type Path struct {
	trackID string
	element *media.Element
	chain   *effects.Chain
	tap     *Tap

	gainTarget atomic.Uint64
	panTarget  atomic.Uint64
	snap       atomic.Bool

	// audio goroutine only
	gain *effects.Smoother
	pan  *effects.Smoother
}

// NewPath wires a path. chain may be nil for a dry path.
func NewPath(element *media.Element, chain *effects.Chain, gain, pan, rate float64, smoothing time.Duration) *Path {
	p := &Path{
		trackID: element.ID(),
		element: element,
		chain:   chain,
		tap:     NewTap(int(rate*tapWindow.Seconds()), rate),
		gain:    effects.NewSmoother(gain, smoothing.Seconds(), rate),
		pan:     effects.NewSmoother(pan, smoothing.Seconds(), rate),
	}
	p.gainTarget.Store(math.Float64bits(gain))
	p.panTarget.Store(math.Float64bits(pan))
	return p
}

// TrackID returns the owning track
func (p *Path) TrackID() string { return p.trackID }

// Element returns the media element feeding the path
func (p *Path) Element() *media.Element { return p.element }

// Chain returns the effects chain, nil for a dry path
func (p *Path) Chain() *effects.Chain { return p.chain }

// Tap returns the analysis tap
func (p *Path) Tap() *Tap { return p.tap }

// SetGain publishes a new gain target
func (p *Path) SetGain(g float64) { p.gainTarget.Store(math.Float64bits(g)) }

// Gain returns the published gain target
func (p *Path) Gain() float64 { return math.Float64frombits(p.gainTarget.Load()) }

// SetPan publishes a new pan target in [-1, 1]
func (p *Path) SetPan(pan float64) {
	p.panTarget.Store(math.Float64bits(math.Max(-1, math.Min(1, pan))))
}

// Pan returns the published pan target
func (p *Path) Pan() float64 { return math.Float64frombits(p.panTarget.Load()) }

// Snap makes the next block jump straight to the published targets
func (p *Path) Snap() {
	p.snap.Store(true)
	if p.chain != nil {
		p.chain.Snap()
	}
}

// Stream implements beep.Streamer. A path never drains.
func (p *Path) Stream(samples [][2]float64) (int, bool) {
	p.element.Stream(samples)
	if p.chain != nil {
		p.chain.Process(samples)
	}

	p.gain.SetTarget(p.Gain())
	p.pan.SetTarget(p.Pan())
	if p.snap.Swap(false) {
		p.gain.Snap()
		p.pan.Snap()
	}

	if p.gain.Settled() && p.pan.Settled() {
		g := p.gain.Value()
		ll, rl, lr, rr := panMatrix(p.pan.Value())
		for i, s := range samples {
			l, r := s[0]*g, s[1]*g
			samples[i] = [2]float64{l*ll + r*rl, l*lr + r*rr}
		}
	} else {
		for i, s := range samples {
			g := p.gain.Next()
			ll, rl, lr, rr := panMatrix(p.pan.Next())
			l, r := s[0]*g, s[1]*g
			samples[i] = [2]float64{l*ll + r*rl, l*lr + r*rr}
		}
	}

	p.tap.Write(samples)
	return len(samples), true
}

// Err implements beep.Streamer
func (p *Path) Err() error { return nil }

// panMatrix returns the stereo equal-power panner gains as
// (left->left, right->left, left->right, right->right). Centre is unity.
func panMatrix(pan float64) (ll, rl, lr, rr float64) {
	if pan == 0 {
		return 1, 0, 0, 1
	}
	if pan < 0 {
		x := (pan + 1) * math.Pi / 2
		return 1, math.Cos(x), 0, math.Sin(x)
	}
	x := pan * math.Pi / 2
	return math.Cos(x), 0, math.Sin(x), 1
}

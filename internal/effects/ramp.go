package effects

import "math"

// settleEpsilon is the distance at which a ramp snaps onto its target
const settleEpsilon = 1e-6

// Smoother is a one-pole exponential ramp toward a target value
type Smoother struct {
	current float64
	target  float64
	coeff   float64 // per-sample decay
}

// NewSmoother creates a smoother resting at value. tau is the time
// constant in seconds.
func NewSmoother(value, tau, sampleRate float64) *Smoother {
	s := &Smoother{current: value, target: value}
	if tau > 0 && sampleRate > 0 {
		s.coeff = math.Exp(-1 / (tau * sampleRate))
	}
	return s
}

// SetTarget changes the value the smoother moves toward
func (s *Smoother) SetTarget(v float64) { s.target = v }

// Target returns the destination value
func (s *Smoother) Target() float64 { return s.target }

// Value returns the current value
func (s *Smoother) Value() float64 { return s.current }

// Snap jumps straight to the target
func (s *Smoother) Snap() { s.current = s.target }

// Settled reports whether the ramp has reached its target
func (s *Smoother) Settled() bool { return s.current == s.target }

// Next advances one sample and returns the new value
func (s *Smoother) Next() float64 {
	if s.current == s.target {
		return s.current
	}
	s.current = s.target + (s.current-s.target)*s.coeff
	if math.Abs(s.current-s.target) < settleEpsilon {
		s.current = s.target
	}
	return s.current
}

// Advance moves n samples forward at once
func (s *Smoother) Advance(n int) float64 {
	if s.current == s.target || n <= 0 {
		return s.current
	}
	s.current = s.target + (s.current-s.target)*math.Pow(s.coeff, float64(n))
	if math.Abs(s.current-s.target) < settleEpsilon {
		s.current = s.target
	}
	return s.current
}

// Fade is a linear 0..1 crossfade of fixed length
type Fade struct {
	current float64
	target  float64
	step    float64
}

// NewFade creates a fade resting fully on (1) or off (0), taking length
// seconds to traverse the full range.
func NewFade(on bool, length, sampleRate float64) *Fade {
	f := &Fade{step: 1}
	if on {
		f.current, f.target = 1, 1
	}
	if n := length * sampleRate; n >= 1 {
		f.step = 1 / n
	}
	return f
}

// Set moves the fade toward fully on or fully off
func (f *Fade) Set(on bool) {
	if on {
		f.target = 1
	} else {
		f.target = 0
	}
}

// Snap jumps straight to the target
func (f *Fade) Snap() { f.current = f.target }

// Value returns the current mix amount
func (f *Fade) Value() float64 { return f.current }

// Silent reports whether the fade is resting fully off
func (f *Fade) Silent() bool { return f.current == 0 && f.target == 0 }

// Full reports whether the fade is resting fully on
func (f *Fade) Full() bool { return f.current == 1 && f.target == 1 }

// Next advances one sample and returns the new value
func (f *Fade) Next() float64 {
	d := f.target - f.current
	switch {
	case d == 0:
	case math.Abs(d) <= f.step*(1+1e-9):
		f.current = f.target
	case d > 0:
		f.current += f.step
	default:
		f.current -= f.step
	}
	return f.current
}

// Fill writes the next len(out) fade values into out
func (f *Fade) Fill(out []float64) {
	for i := range out {
		out[i] = f.Next()
	}
}

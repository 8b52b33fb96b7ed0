package graph

import "math"

// clipKnee is where the bus clip guard starts bending the signal
const clipKnee = 0.9

// Bus sums every attached path into the master output. Attach and Detach
// must not race Stream: on a live device call them through Context.
type Bus struct {
	paths   []*Path
	scratch [][2]float64
	tap     *Tap
	guard   bool
}

// NewBus creates a master bus with its own analysis tap
func NewBus(sampleRate float64) *Bus {
	return &Bus{
		tap:   NewTap(int(sampleRate*tapWindow.Seconds()), sampleRate),
		guard: true,
	}
}

// SetClipGuard turns the soft clip stage on or off
func (b *Bus) SetClipGuard(on bool) { b.guard = on }

// Attach adds a path; attaching twice is a no-op
func (b *Bus) Attach(p *Path) {
	for _, existing := range b.paths {
		if existing == p {
			return
		}
	}
	b.paths = append(b.paths, p)
}

// Detach removes a path
func (b *Bus) Detach(p *Path) {
	for i, existing := range b.paths {
		if existing == p {
			b.paths = append(b.paths[:i], b.paths[i+1:]...)
			return
		}
	}
}

// DetachAll removes every path
func (b *Bus) DetachAll() { b.paths = nil }

// Len returns the number of attached paths
func (b *Bus) Len() int { return len(b.paths) }

// Tap returns the master analysis tap
func (b *Bus) Tap() *Tap { return b.tap }

// Stream implements beep.Streamer. The bus never drains.
func (b *Bus) Stream(samples [][2]float64) (int, bool) {
	clear(samples)
	if cap(b.scratch) < len(samples) {
		b.scratch = make([][2]float64, len(samples))
	}
	scratch := b.scratch[:len(samples)]

	for _, p := range b.paths {
		p.Stream(scratch)
		for i := range samples {
			samples[i][0] += scratch[i][0]
			samples[i][1] += scratch[i][1]
		}
	}

	if b.guard {
		for i := range samples {
			samples[i][0] = softClip(samples[i][0])
			samples[i][1] = softClip(samples[i][1])
		}
	}

	b.tap.Write(samples)
	return len(samples), true
}

// Err implements beep.Streamer
func (b *Bus) Err() error { return nil }

// softClip is transparent below clipKnee and bends toward +-1 above it
func softClip(x float64) float64 {
	a := math.Abs(x)
	if a <= clipKnee {
		return x
	}
	y := clipKnee + (1-clipKnee)*math.Tanh((a-clipKnee)/(1-clipKnee))
	return math.Copysign(y, x)
}

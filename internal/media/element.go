package media

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
)

// Element is a playable stem with its own playhead. The audio goroutine
// advances the playhead through Stream; control goroutines request seeks
// and transport changes through atomics.
type Element struct {
	id      string
	rate    beep.SampleRate
	clip    atomic.Pointer[Clip]
	pos     atomic.Int64 // frames; written only by Stream
	seek    atomic.Int64 // pending seek target in frames, -1 when none
	playing atomic.Bool
}

// NewElement creates an element. clip may be nil while the source loads.
func NewElement(id string, rate beep.SampleRate, clip *Clip) *Element {
	e := &Element{id: id, rate: rate}
	e.seek.Store(-1)
	if clip != nil {
		e.clip.Store(clip)
	}
	return e
}

// ID returns the owning track
func (e *Element) ID() string { return e.id }

// SetClip installs decoded audio
func (e *Element) SetClip(clip *Clip) { e.clip.Store(clip) }

// Clip returns the decoded audio, if any
func (e *Element) Clip() *Clip { return e.clip.Load() }

// Ready reports whether the element can produce audio at a settled position
func (e *Element) Ready() bool {
	return e.clip.Load() != nil && e.seek.Load() < 0
}

// Duration returns the clip length, zero while loading
func (e *Element) Duration() time.Duration {
	if c := e.clip.Load(); c != nil {
		return c.Duration()
	}
	return 0
}

// Position returns the playhead. A pending seek is reported as already done.
func (e *Element) Position() time.Duration {
	if s := e.seek.Load(); s >= 0 {
		return e.rate.D(int(s))
	}
	return e.rate.D(int(e.pos.Load()))
}

// Playing reports whether the element is producing audio
func (e *Element) Playing() bool { return e.playing.Load() }

// Play starts the element
func (e *Element) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.clip.Load() == nil {
		return ErrNotReady
	}
	e.playing.Store(true)
	return nil
}

// Pause stops the element without moving the playhead
func (e *Element) Pause() { e.playing.Store(false) }

// Seek moves the playhead, clamped to the clip
func (e *Element) Seek(d time.Duration) {
	frames := e.rate.N(d)
	if frames < 0 {
		frames = 0
	}
	if c := e.clip.Load(); c != nil && frames > c.Len() {
		frames = c.Len()
	}
	e.seek.Store(int64(frames))
}

// Stream implements beep.Streamer. It never drains: past the end of the
// clip, or while paused, it produces silence.
func (e *Element) Stream(samples [][2]float64) (int, bool) {
	if s := e.seek.Swap(-1); s >= 0 {
		e.pos.Store(s)
	}

	clip := e.clip.Load()
	if clip == nil || !e.playing.Load() {
		clear(samples)
		return len(samples), true
	}

	pos := int(e.pos.Load())
	n := 0
	if pos < clip.Len() {
		n = copy(samples, clip.Frames[pos:])
	}
	clear(samples[n:])
	e.pos.Store(int64(pos + n))
	return len(samples), true
}

// Err implements beep.Streamer
func (e *Element) Err() error { return nil }

// Package media resolves stem sources, decodes them to engine-rate PCM and
// exposes them as playable elements with their own playhead.
package media

import (
	"errors"
	"time"

	"github.com/gopxl/beep/v2"
)

var (
	// ErrNotReady is returned when playing an element whose source has not
	// finished loading
	ErrNotReady = errors.New("media element not ready")

	// ErrUnsupportedSource is returned for sources the loader cannot resolve
	ErrUnsupportedSource = errors.New("unsupported media source")
)

// Clip is a fully decoded stem at the engine sample rate
type Clip struct {
	Source string
	Rate   beep.SampleRate
	Frames [][2]float64
}

// Len returns the clip length in frames
func (c *Clip) Len() int { return len(c.Frames) }

// Duration returns the clip length in time
func (c *Clip) Duration() time.Duration {
	return c.Rate.D(len(c.Frames))
}

// FrameStreamer streams a frame slice once, front to back
type FrameStreamer struct {
	frames [][2]float64
	pos    int
}

// NewFrameStreamer wraps frames without copying them
func NewFrameStreamer(frames [][2]float64) *FrameStreamer {
	return &FrameStreamer{frames: frames}
}

// Stream implements beep.Streamer
func (f *FrameStreamer) Stream(samples [][2]float64) (int, bool) {
	if f.pos >= len(f.frames) {
		return 0, false
	}
	n := copy(samples, f.frames[f.pos:])
	f.pos += n
	return n, true
}

// Err implements beep.Streamer
func (f *FrameStreamer) Err() error { return nil }

// Drain reads a streamer to exhaustion
func Drain(s beep.Streamer) ([][2]float64, error) {
	var out [][2]float64
	buf := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(buf)
		out = append(out, buf[:n]...)
		if !ok {
			break
		}
	}
	return out, s.Err()
}

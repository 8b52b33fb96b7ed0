package graph

import (
	"context"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// Device is the audio output the master bus is played into. Stream is
// called from the device's own goroutine; Lock excludes it.
type Device interface {
	Init(rate beep.SampleRate, bufferFrames int) error
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Resume(ctx context.Context) error
	Suspend() error
	Close() error
}

// SpeakerDevice plays through the system audio output
type SpeakerDevice struct{}

// Init opens the speaker
func (SpeakerDevice) Init(rate beep.SampleRate, bufferFrames int) error {
	return speaker.Init(rate, bufferFrames)
}

// Play starts streaming s
func (SpeakerDevice) Play(s beep.Streamer) { speaker.Play(s) }

// Lock blocks the speaker goroutine
func (SpeakerDevice) Lock() { speaker.Lock() }

// Unlock releases the speaker goroutine
func (SpeakerDevice) Unlock() { speaker.Unlock() }

// Resume restarts a suspended speaker
func (SpeakerDevice) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return speaker.Resume()
}

// Suspend pauses the output without closing it
func (SpeakerDevice) Suspend() error { return speaker.Suspend() }

// Close clears and closes the speaker
func (SpeakerDevice) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}

// NullDevice is a headless output. Audio is produced only when pulled,
// either by Pull or by a Run loop that pulls at the device rate.
type NullDevice struct {
	mu       sync.Mutex
	rate     beep.SampleRate
	buffer   int
	streamer beep.Streamer
	running  bool
}

// NewNullDevice creates a headless device
func NewNullDevice() *NullDevice {
	return &NullDevice{}
}

// Init records the format
func (d *NullDevice) Init(rate beep.SampleRate, bufferFrames int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rate = rate
	d.buffer = bufferFrames
	d.running = true
	return nil
}

// Play sets the streamer that Pull reads from
func (d *NullDevice) Play(s beep.Streamer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.streamer = s
}

// Lock excludes Pull
func (d *NullDevice) Lock() { d.mu.Lock() }

// Unlock releases Lock
func (d *NullDevice) Unlock() { d.mu.Unlock() }

// Resume marks the device running
func (d *NullDevice) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

// Suspend stops Pull from producing audio
func (d *NullDevice) Suspend() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Close forgets the streamer
func (d *NullDevice) Close() error {
	d.mu.Lock()
	d.streamer = nil
	d.running = false
	d.mu.Unlock()
	return nil
}

// Pull renders n frames from the playing streamer, as the device callback
// would. It returns silence when nothing is playing.
func (d *NullDevice) Pull(n int) [][2]float64 {
	out := make([][2]float64, n)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streamer == nil || !d.running {
		return out
	}
	for filled := 0; filled < n; {
		got, ok := d.streamer.Stream(out[filled:])
		filled += got
		if !ok || got == 0 {
			break
		}
	}
	return out
}

// Run pulls one buffer per buffer period until ctx is cancelled
func (d *NullDevice) Run(ctx context.Context) {
	d.mu.Lock()
	rate, buffer := d.rate, d.buffer
	d.mu.Unlock()
	if rate == 0 || buffer <= 0 {
		return
	}

	ticker := time.NewTicker(rate.D(buffer))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Pull(buffer)
		}
	}
}

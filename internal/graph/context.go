// Package graph builds per-track signal paths and plays them through a
// shared master bus on one audio output.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

// ErrContextBusy is returned when a second owner tries to acquire the
// audio context
var ErrContextBusy = errors.New("audio context is held by another session")

// Context is the explicit handle on the shared output device. Only one
// owner may hold it at a time.
type Context struct {
	device Device
	rate   beep.SampleRate
	buffer int
	logger *logrus.Logger

	mu      sync.Mutex
	owner   string
	started bool
	bus     *Bus
}

// NewContext creates a context over device. Nothing is opened until the
// first Acquire.
func NewContext(device Device, rate beep.SampleRate, bufferFrames int, logger *logrus.Logger) *Context {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Context{
		device: device,
		rate:   rate,
		buffer: bufferFrames,
		logger: logger,
		bus:    NewBus(float64(rate)),
	}
}

// SampleRate returns the device rate
func (c *Context) SampleRate() beep.SampleRate { return c.rate }

// Bus returns the master bus
func (c *Context) Bus() *Bus { return c.bus }

// Owner returns the current holder, empty when free
func (c *Context) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Acquire claims the context for owner, opening the device on first use.
// Re-acquiring by the same owner is allowed.
func (c *Context) Acquire(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != "" && c.owner != owner {
		return fmt.Errorf("%w: held by %s", ErrContextBusy, c.owner)
	}

	if !c.started {
		if err := c.device.Init(c.rate, c.buffer); err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
		c.device.Play(c.bus)
		c.started = true

		c.logger.WithFields(logrus.Fields{
			"sampleRate": int(c.rate),
			"buffer":     c.buffer,
		}).Info("Audio device opened")
	}

	c.owner = owner
	return nil
}

// Release gives the context up. Every path still on the bus is detached.
func (c *Context) Release(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != owner {
		return
	}
	c.WithLock(c.bus.DetachAll)
	c.owner = ""
}

// Resume waits until the device is producing audio
func (c *Context) Resume(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("audio device not open")
	}
	return c.device.Resume(ctx)
}

// WithLock runs fn with the audio goroutine excluded
func (c *Context) WithLock(fn func()) {
	c.device.Lock()
	defer c.device.Unlock()
	fn()
}

// Attach puts a path on the master bus
func (c *Context) Attach(p *Path) {
	c.WithLock(func() { c.bus.Attach(p) })
}

// Detach takes a path off the master bus
func (c *Context) Detach(p *Path) {
	c.WithLock(func() { c.bus.Detach(p) })
}

// Close shuts the device down
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	c.owner = ""
	return c.device.Close()
}

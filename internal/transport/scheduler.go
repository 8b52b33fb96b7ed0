package transport

import (
	"context"
	"sync"
	"time"
)

// FrameScheduler calls fn roughly once per interval from its own goroutine
// while it is running. It only runs during playback.
type FrameScheduler struct {
	interval time.Duration
	fn       func(now time.Time)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFrameScheduler creates a stopped scheduler
func NewFrameScheduler(interval time.Duration, fn func(now time.Time)) *FrameScheduler {
	return &FrameScheduler{interval: interval, fn: fn}
}

// Start begins ticking. Starting a running scheduler is a no-op.
func (f *FrameScheduler) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				f.fn(now)
			}
		}
	}()
}

// Stop cancels the loop without waiting for it, so it is safe to call from
// inside fn.
func (f *FrameScheduler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Running reports whether the loop has been started and not stopped
func (f *FrameScheduler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// Done is closed when the most recent loop has exited
func (f *FrameScheduler) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return f.done
}

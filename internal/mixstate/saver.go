package mixstate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Saver writes snapshots to a store no more often than once per delay.
// Only the latest snapshot scheduled within a delay window is written.
type Saver struct {
	store      Store
	sessionKey string
	delay      time.Duration
	logger     *logrus.Logger

	// writeMu orders store writes so a newer snapshot never lands first
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *Snapshot
	timer   *time.Timer
	writes  int
	closed  bool
}

// NewSaver creates a saver for one session
func NewSaver(store Store, sessionKey string, delay time.Duration, logger *logrus.Logger) *Saver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Saver{
		store:      store,
		sessionKey: sessionKey,
		delay:      delay,
		logger:     logger,
	}
}

// Schedule queues a snapshot and restarts the debounce timer
func (s *Saver) Schedule(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.pending = &snap
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.WithError(err).WithField("session_key", s.sessionKey).Warn("Failed to save mix state")
		}
	})
}

// Flush writes the pending snapshot now, if there is one
func (s *Saver) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if snap == nil {
		return nil
	}
	if err := Save(ctx, s.store, s.sessionKey, *snap); err != nil {
		s.mu.Lock()
		if s.pending == nil {
			s.pending = snap
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	s.logger.WithField("session_key", s.sessionKey).Debug("Saved mix state")
	return nil
}

// Writes returns how many snapshots have reached the store
func (s *Saver) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Close flushes and stops accepting snapshots
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

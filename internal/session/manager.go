package session

import (
	"context"
	"sync"
	"time"

	"stemmix/internal/export"
	"stemmix/internal/player"

	"github.com/sirupsen/logrus"
)

// closeTimeout bounds how long closing the previous session may take
const closeTimeout = 5 * time.Second

// Manager hands out sessions. Only one session holds the audio context at
// a time, so opening a session closes the previous one first.
type Manager struct {
	deps   Deps
	opts   Options
	logger *logrus.Logger

	mutex   sync.RWMutex
	current *Session
}

// NewManager creates a session manager. When deps carries an export
// manager, its progress and results are routed to the owning session's
// event hub.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
		deps.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	m := &Manager{deps: deps, opts: opts, logger: deps.Logger}

	if deps.Exports != nil {
		deps.Exports.OnProgress = func(j export.Job) {
			m.publish(j.SessionID, player.Event{
				Type:     player.EventExportProgress,
				Message:  string(j.Stage),
				Position: float64(j.Progress),
				Data:     j,
			})
		}
		deps.Exports.OnFinished = func(j export.Job) {
			m.publish(j.SessionID, player.Event{
				Type:    player.EventExportFinished,
				Message: string(j.Status),
				Data:    j,
			})
		}
	}
	return m
}

// Open closes the current session, if any, and opens a new one
func (m *Manager) Open(req OpenRequest) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := m.current.Close(ctx); err != nil {
			m.logger.WithError(err).WithField("session_id", m.current.ID()).Warn("Previous session closed with errors")
		}
		cancel()
		m.current = nil
	}

	s, err := Open(m.deps, m.opts, req)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Get returns the session with the given id
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.current == nil || m.current.ID() != sessionID {
		return nil, false
	}
	return m.current, true
}

// Current returns the open session, nil when none
func (m *Manager) Current() *Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Close closes a session by id. Unknown ids are ignored.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current == nil || m.current.ID() != sessionID {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	return err
}

// Shutdown closes the open session
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	return err
}

func (m *Manager) publish(sessionID string, ev player.Event) {
	if s, ok := m.Get(sessionID); ok {
		s.Events().Publish(ev)
	}
}

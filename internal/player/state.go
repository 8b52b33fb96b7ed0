package player

import (
	"sync"
	"time"
)

// EventType names a mixer notification
type EventType string

const (
	EventState           EventType = "state"
	EventPosition        EventType = "position"
	EventMeters          EventType = "meters"
	EventTrackLoaded     EventType = "track-loaded"
	EventTrackFailed     EventType = "track-failed"
	EventAllTracksLoaded EventType = "all-tracks-loaded"
	EventPlaybackEnded   EventType = "playback-ended"
	EventDriftCorrected  EventType = "drift-corrected"
	EventDriftCritical   EventType = "drift-critical"
	EventPresetApplied   EventType = "preset-applied"
	EventExportProgress  EventType = "export-progress"
	EventExportFinished  EventType = "export-finished"
	EventSessionClosed   EventType = "session-closed"
)

// Frequent reports that each supersede the previous one. A listener that
// falls behind misses some of them rather than lifecycle events.
func (t EventType) Frequent() bool {
	return t == EventPosition || t == EventMeters || t == EventExportProgress
}

// listenerBuffer is the channel size of a subscription. Frequent events only
// ever fill the lower half so lifecycle events always find room.
const listenerBuffer = 64

// Transport status values carried in State
const (
	StatusStopped = "stopped"
	StatusPlaying = "playing"
	StatusPaused  = "paused"
)

// Event is a single notification from the engine
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	TrackID   string    `json:"trackId,omitempty"`
	Position  float64   `json:"position,omitempty"` // seconds
	Duration  float64   `json:"duration,omitempty"` // seconds
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher accepts events. Components take one so they can be tested
// without a hub.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// State represents the current transport state
type State struct {
	Status        string    `json:"status"`
	IsPlaying     bool      `json:"isPlaying"`
	CurrentTime   float64   `json:"currentTime"`   // in seconds
	TotalDuration float64   `json:"totalDuration"` // in seconds
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StateManager keeps the transport state and fans events out to listeners
type StateManager struct {
	sessionID string
	state     *State
	mutex     sync.RWMutex
	listeners []chan Event
	dropped   map[<-chan Event]bool
}

// NewStateManager creates a new state manager for one session
func NewStateManager(sessionID string) *StateManager {
	return &StateManager{
		sessionID: sessionID,
		state: &State{
			Status:    StatusStopped,
			UpdatedAt: time.Now(),
		},
		listeners: make([]chan Event, 0),
		dropped:   make(map[<-chan Event]bool),
	}
}

// GetState returns the current state (thread-safe)
func (sm *StateManager) GetState() State {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	return *sm.state
}

// UpdatePlaybackState records a transport status change
func (sm *StateManager) UpdatePlaybackState(status string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.state.Status == status {
		return
	}
	sm.state.Status = status
	sm.state.IsPlaying = status == StatusPlaying
	sm.state.UpdatedAt = time.Now()
	sm.notifyListeners(Event{Type: EventState, Message: status, Position: sm.state.CurrentTime, Duration: sm.state.TotalDuration})
}

// UpdateTime updates current playback time and duration
func (sm *StateManager) UpdateTime(current, total time.Duration) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.CurrentTime = current.Seconds()
	sm.state.TotalDuration = total.Seconds()
	sm.state.UpdatedAt = time.Now()
	sm.notifyListeners(Event{Type: EventPosition, Position: sm.state.CurrentTime, Duration: sm.state.TotalDuration})
}

// Publish implements Publisher
func (sm *StateManager) Publish(ev Event) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.notifyListeners(ev)
}

// Subscribe adds a listener for events
func (sm *StateManager) Subscribe() <-chan Event {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ch := make(chan Event, listenerBuffer)
	sm.listeners = append(sm.listeners, ch)
	return ch
}

// Unsubscribe removes a listener (call this when done to prevent memory leaks)
func (sm *StateManager) Unsubscribe(ch <-chan Event) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	delete(sm.dropped, ch)
	for i, listener := range sm.listeners {
		if listener == ch {
			close(listener)
			sm.listeners = append(sm.listeners[:i], sm.listeners[i+1:]...)
			break
		}
	}
}

// Close drops every listener
func (sm *StateManager) Close() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.notifyListeners(Event{Type: EventSessionClosed})
	for _, listener := range sm.listeners {
		close(listener)
	}
	sm.listeners = nil
}

// Dropped reports whether ch was closed because its reader fell too far
// behind, as opposed to the session closing
func (sm *StateManager) Dropped(ch <-chan Event) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	return sm.dropped[ch]
}

// ListenerCount returns the number of live subscriptions
func (sm *StateManager) ListenerCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	return len(sm.listeners)
}

// notifyListeners sends an event to all subscribers (must be called with
// lock held). Frequent events are skipped for a listener whose buffer is
// half full; a listener with no room left for a lifecycle event is dropped.
func (sm *StateManager) notifyListeners(ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = sm.sessionID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	frequent := ev.Type.Frequent()

	kept := sm.listeners[:0]
	for _, listener := range sm.listeners {
		if frequent && len(listener) >= cap(listener)/2 {
			kept = append(kept, listener)
			continue
		}
		select {
		case listener <- ev:
			kept = append(kept, listener)
		default:
			sm.dropped[listener] = true
			close(listener)
		}
	}
	sm.listeners = kept
}

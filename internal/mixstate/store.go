// Package mixstate persists the last mix of a session so it can be
// restored when the session is reopened.
package mixstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stemmix/pkg/models"
)

// ErrNotFound is returned by a Store for a key it does not hold
var ErrNotFound = errors.New("mix state not found")

// Store is a byte-oriented key-value store
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// TrackState is the saved state of one track
type TrackState struct {
	Volume  float64                `json:"volume"`
	Pan     float64                `json:"pan"`
	Muted   bool                   `json:"muted"`
	Solo    bool                   `json:"solo"`
	Effects models.EffectsSettings `json:"effects"`
}

// Snapshot is a saved mix
type Snapshot struct {
	Master   models.Master         `json:"master"`
	PresetID string                `json:"presetId,omitempty"`
	Tracks   map[string]TrackState `json:"tracks"`
	SavedAt  time.Time             `json:"savedAt"`
}

// Capture builds a snapshot of the given mix
func Capture(master models.Master, presetID string, tracks []models.Track) Snapshot {
	s := Snapshot{
		Master:   master,
		PresetID: presetID,
		Tracks:   make(map[string]TrackState, len(tracks)),
		SavedAt:  time.Now().UTC(),
	}
	for _, t := range tracks {
		s.Tracks[t.ID] = TrackState{
			Volume:  t.Volume,
			Pan:     t.Pan,
			Muted:   t.Muted,
			Solo:    t.Solo,
			Effects: t.Effects,
		}
	}
	return s
}

// Restore applies the snapshot to tracks present in both. Tracks the
// snapshot does not know keep their state.
func (s Snapshot) Restore(tracks []models.Track) []models.Track {
	out := make([]models.Track, len(tracks))
	for i, t := range tracks {
		if st, ok := s.Tracks[t.ID]; ok {
			t.Volume = models.Clamp(st.Volume, 0, 1)
			t.Pan = models.Clamp(st.Pan, -1, 1)
			t.Muted = st.Muted
			t.Solo = st.Solo
			t.Effects = st.Effects.Normalize()
		}
		out[i] = t
	}
	return out
}

// Key returns the store key for a session
func Key(sessionKey string) string {
	return "mix:" + sessionKey
}

// Save writes a snapshot
func Save(ctx context.Context, store Store, sessionKey string, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode mix state: %w", err)
	}
	if err := store.Put(ctx, Key(sessionKey), data); err != nil {
		return fmt.Errorf("failed to save mix state: %w", err)
	}
	return nil
}

// Load reads a snapshot. Missing, unreadable or corrupt state all mean
// there is no saved mix.
func Load(ctx context.Context, store Store, sessionKey string) (Snapshot, bool) {
	data, err := store.Get(ctx, Key(sessionKey))
	if err != nil {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil || s.Tracks == nil {
		return Snapshot{}, false
	}
	return s, true
}

// MemoryStore keeps state in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Package session ties the engine together: one Session owns the audio
// context, the per-track paths, the synchronizer and the mix persistence of
// a single song.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stemmix/internal/effects"
	"stemmix/internal/export"
	"stemmix/internal/gain"
	"stemmix/internal/graph"
	"stemmix/internal/mixstate"
	"stemmix/internal/player"
	"stemmix/internal/preset"
	"stemmix/internal/transport"
	"stemmix/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownTrack is returned for operations naming a track the session
	// does not have
	ErrUnknownTrack = errors.New("unknown track")
	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session closed")
	// ErrExportUnavailable is returned when no exporter is configured
	ErrExportUnavailable = errors.New("export not configured")
)

// Options configures sessions
type Options struct {
	Effects      effects.Options
	Smoothing    time.Duration
	Sync         transport.Config
	SaveDebounce time.Duration
}

// Deps are the shared collaborators every session uses
type Deps struct {
	Context *graph.Context
	Loader  graph.ClipLoader
	Presets *preset.Catalog
	Store   mixstate.Store  // nil disables persistence
	Exports *export.Manager // nil disables export
	Logger  *logrus.Logger
}

// OpenRequest describes the song a session mixes
type OpenRequest struct {
	Key     string                   `json:"key"` // persistence key, usually the song id
	Tracks  []models.TrackDescriptor `json:"tracks"`
	Master  *models.Master           `json:"master,omitempty"`
	Tempo   float64                  `json:"tempo,omitempty"`
	Preset  string                   `json:"preset,omitempty"`  // applied when there is no saved mix
	Restore *bool                    `json:"restore,omitempty"` // default true
}

// TrackPatch is a partial update of a track's mix controls
type TrackPatch struct {
	Volume *float64 `json:"volume,omitempty"`
	Pan    *float64 `json:"pan,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
	Solo   *bool    `json:"solo,omitempty"`
}

// MasterPatch is a partial update of the master bus
type MasterPatch struct {
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
}

// TrackView is a track plus its load status
type TrackView struct {
	models.Track
	Gain     float64 `json:"gain"`
	Loaded   bool    `json:"loaded"`
	Error    string  `json:"error,omitempty"`
	Bypassed bool    `json:"bypassed"`
}

// Snapshot is the user-visible state of a session
type Snapshot struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Transport player.State  `json:"transport"`
	Master    models.Master `json:"master"`
	PresetID  string        `json:"presetId,omitempty"`
	Tempo     float64       `json:"tempo,omitempty"`
	Tracks    []TrackView   `json:"tracks"`
}

// Session is one open mixing session. Control operations are serialized by
// the session mutex.
type Session struct {
	id     string
	key    string
	deps   Deps
	opts   Options
	logger *logrus.Logger

	processor *effects.Processor
	builder   *graph.Builder
	sync      *transport.Synchronizer
	state     *player.StateManager
	saver     *mixstate.Saver

	mu       sync.Mutex
	tracks   []models.Track
	master   models.Master
	presetID string
	bypassed map[string]bool
	closed   bool
}

// Open acquires the audio context and starts loading every track. Failing
// to acquire the context is the only fatal error.
func Open(deps Deps, opts Options, req OpenRequest) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if deps.Presets == nil {
		deps.Presets = preset.NewCatalog()
	}

	id := uuid.New().String()
	if err := deps.Context.Acquire(id); err != nil {
		return nil, fmt.Errorf("failed to acquire audio context: %w", err)
	}

	rate := float64(deps.Context.SampleRate())
	if opts.Effects.SampleRate == 0 {
		opts.Effects = effects.DefaultOptions(rate)
	}
	if opts.Smoothing <= 0 {
		opts.Smoothing = opts.Effects.Smoothing
	}

	s := &Session{
		id:       id,
		key:      req.Key,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		master:   models.DefaultMaster(),
		bypassed: make(map[string]bool),
	}
	if req.Master != nil {
		s.master = models.Master{Volume: models.Clamp(req.Master.Volume, 0, 1), Muted: req.Master.Muted}
	}
	for _, d := range req.Tracks {
		if d.ID == "" {
			continue
		}
		s.tracks = append(s.tracks, d.ToTrack())
	}

	s.state = player.NewStateManager(id)
	s.processor = effects.NewProcessor(opts.Effects, logger)
	s.processor.SetTempo(req.Tempo)
	s.builder = graph.NewBuilder(deps.Context, deps.Loader, s.processor, s.state, opts.Smoothing, logger)
	s.sync = transport.New(opts.Sync, s.roster, deps.Context.Resume, s.state, logger)
	s.sync.SetMeters(func() any { return s.Meters() })
	s.builder.OnLoaded = func(p *graph.Path) {
		s.sync.Join(context.Background(), p.Element())
	}

	if deps.Store != nil && req.Key != "" {
		s.saver = mixstate.NewSaver(deps.Store, req.Key, opts.SaveDebounce, logger)
	}

	restored := false
	if deps.Store != nil && req.Key != "" && (req.Restore == nil || *req.Restore) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if snap, ok := mixstate.Load(ctx, deps.Store, req.Key); ok {
			s.tracks = snap.Restore(s.tracks)
			s.master = snap.Master
			s.presetID = snap.PresetID
			restored = true
		}
		cancel()
	}
	if !restored && req.Preset != "" {
		if err := s.applyPresetLocked(req.Preset); err != nil {
			logger.WithError(err).WithField("preset", req.Preset).Warn("Ignoring initial preset")
		}
	}

	s.builder.Sync(s.tracks, gain.ResolveAll(s.tracks, s.master))

	logger.WithFields(logrus.Fields{
		"session_id": id,
		"key":        req.Key,
		"tracks":     len(s.tracks),
		"restored":   restored,
	}).Info("Session opened")
	return s, nil
}

// roster returns the loaded tracks in load order
func (s *Session) roster() []transport.Participant {
	paths := s.builder.Paths()
	out := make([]transport.Participant, len(paths))
	for i, p := range paths {
		out[i] = p.Element()
	}
	return out
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Key returns the persistence key
func (s *Session) Key() string { return s.key }

// Events returns the session's event hub
func (s *Session) Events() *player.StateManager { return s.state }

// Builder exposes the path builder
func (s *Session) Builder() *graph.Builder { return s.builder }

// Synchronizer exposes the transport
func (s *Session) Synchronizer() *transport.Synchronizer { return s.sync }

// WaitLoaded blocks until every track has finished loading
func (s *Session) WaitLoaded(ctx context.Context) error {
	return s.builder.Wait(ctx)
}

// Tracks returns a copy of the current tracks
func (s *Session) Tracks() []models.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Track(nil), s.tracks...)
}

// Master returns the master bus state
func (s *Session) Master() models.Master {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// Snapshot returns the full user-visible state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	gains := gain.ResolveAll(s.tracks, s.master)
	views := make([]TrackView, len(s.tracks))
	for i, t := range s.tracks {
		v := TrackView{
			Track:    t,
			Gain:     gains[t.ID],
			Loaded:   s.builder.Loaded(t.ID),
			Bypassed: s.bypassed[t.ID],
		}
		if err := s.builder.Failed(t.ID); err != nil {
			v.Error = err.Error()
		}
		views[i] = v
	}

	st := s.state.GetState()
	st.Status = s.sync.Status()
	st.IsPlaying = st.Status == player.StatusPlaying
	st.CurrentTime = s.sync.Position().Seconds()
	st.TotalDuration = s.sync.Duration().Seconds()

	return Snapshot{
		ID:        s.id,
		Key:       s.key,
		Transport: st,
		Master:    s.master,
		PresetID:  s.presetID,
		Tempo:     s.processor.Tempo(),
		Tracks:    views,
	}
}

// SetTracks replaces the track list. Known tracks keep their mix controls
// and only take the descriptor's source, name and category; new tracks
// start from the descriptor. Tracks missing from the list are removed.
func (s *Session) SetTracks(descs []models.TrackDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	current := make(map[string]models.Track, len(s.tracks))
	for _, t := range s.tracks {
		current[t.ID] = t
	}

	next := make([]models.Track, 0, len(descs))
	for _, d := range descs {
		if d.ID == "" {
			continue
		}
		nt := d.ToTrack()
		if old, ok := current[d.ID]; ok {
			old.SourceURL, old.Name, old.Category = nt.SourceURL, nt.Name, nt.Category
			nt = old
		}
		next = append(next, nt)
	}
	for id := range s.bypassed {
		if !containsTrack(next, id) {
			delete(s.bypassed, id)
		}
	}

	s.tracks = next
	s.builder.Sync(s.tracks, gain.ResolveAll(s.tracks, s.master))
	s.scheduleSaveLocked()
	return nil
}

func containsTrack(tracks []models.Track, id string) bool {
	for _, t := range tracks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// UpdateTrack changes a track's volume, pan, mute or solo. Every track's
// gain is recomputed afterwards since solo affects the whole set.
func (s *Session) UpdateTrack(trackID string, patch TrackPatch) (models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Track{}, ErrClosed
	}

	i := s.indexLocked(trackID)
	if i < 0 {
		return models.Track{}, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	t := &s.tracks[i]
	if patch.Volume != nil {
		t.Volume = models.Clamp(*patch.Volume, 0, 1)
	}
	if patch.Muted != nil {
		t.Muted = *patch.Muted
	}
	if patch.Solo != nil {
		t.Solo = *patch.Solo
	}
	if patch.Pan != nil {
		t.Pan = models.Clamp(*patch.Pan, -1, 1)
		s.builder.SetPan(trackID, t.Pan)
	}

	s.applyGainsLocked()
	s.scheduleSaveLocked()
	return *t, nil
}

// SetMaster changes the master volume or mute
func (s *Session) SetMaster(patch MasterPatch) (models.Master, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Master{}, ErrClosed
	}

	if patch.Volume != nil {
		s.master.Volume = models.Clamp(*patch.Volume, 0, 1)
	}
	if patch.Muted != nil {
		s.master.Muted = *patch.Muted
	}
	s.applyGainsLocked()
	s.scheduleSaveLocked()
	return s.master, nil
}

// UpdateEffects merges a patch into a track's effects. The chain follows
// once the track has loaded.
func (s *Session) UpdateEffects(trackID string, patch models.EffectsPatch) (models.EffectsSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.EffectsSettings{}, ErrClosed
	}

	i := s.indexLocked(trackID)
	if i < 0 {
		return models.EffectsSettings{}, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	s.tracks[i].Effects = patch.ApplyTo(s.tracks[i].Effects).Normalize()
	s.builder.UpdateEffects(trackID, patch)
	s.scheduleSaveLocked()
	return s.tracks[i].Effects, nil
}

// SetBypass routes a track around its whole effects chain
func (s *Session) SetBypass(trackID string, bypassed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.indexLocked(trackID) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	s.bypassed[trackID] = bypassed
	s.builder.SetBypass(trackID, bypassed)
	return nil
}

// SetTempo sets the BPM tempo-synced delays follow
func (s *Session) SetTempo(bpm float64) {
	s.processor.SetTempo(bpm)
}

// ApplyPreset rewrites every track and the master volume from a preset.
// The whole plan is applied under the session lock, so no reader sees a
// half-applied preset.
func (s *Session) ApplyPreset(presetID string) (preset.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return preset.Plan{}, ErrClosed
	}

	plan, err := s.deps.Presets.Apply(presetID, s.tracks)
	if err != nil {
		return preset.Plan{}, err
	}
	s.commitPlanLocked(plan)

	s.state.Publish(player.Event{Type: player.EventPresetApplied, Message: plan.PresetID, Data: plan})
	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"preset":     plan.PresetID,
		"tracks":     len(plan.Tracks),
	}).Info("Preset applied")
	return plan, nil
}

// applyPresetLocked is ApplyPreset for the opening session
func (s *Session) applyPresetLocked(presetID string) error {
	plan, err := s.deps.Presets.Apply(presetID, s.tracks)
	if err != nil {
		return err
	}
	for _, u := range plan.Tracks {
		if i := s.indexLocked(u.TrackID); i >= 0 {
			s.tracks[i].Volume, s.tracks[i].Muted, s.tracks[i].Effects = u.Volume, u.Muted, u.Effects
		}
	}
	s.master.Volume = plan.MasterVolume
	s.presetID = plan.PresetID
	return nil
}

func (s *Session) commitPlanLocked(plan preset.Plan) {
	for _, u := range plan.Tracks {
		i := s.indexLocked(u.TrackID)
		if i < 0 {
			continue
		}
		t := &s.tracks[i]
		t.Volume, t.Muted, t.Effects = u.Volume, u.Muted, u.Effects
		s.builder.ReplaceEffects(t.ID, t.Effects)
	}
	s.master.Volume = plan.MasterVolume
	s.presetID = plan.PresetID
	s.applyGainsLocked()
	s.scheduleSaveLocked()
}

// Play starts synchronized playback
func (s *Session) Play(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sync.Play(ctx)
}

// Pause holds every track at the current position
func (s *Session) Pause() {
	s.sync.Pause()
}

// Stop pauses and rewinds to the start
func (s *Session) Stop() {
	s.sync.Stop()
}

// Seek moves every track and returns the clamped position
func (s *Session) Seek(t time.Duration) time.Duration {
	return s.sync.Seek(t)
}

// Meters returns the analysis snapshot of every loaded track and, under
// the "master" key, the master bus
func (s *Session) Meters() map[string]graph.Levels {
	out := make(map[string]graph.Levels)
	for _, p := range s.builder.Paths() {
		out[p.TrackID()] = p.Tap().Snapshot()
	}
	out["master"] = s.deps.Context.Bus().Tap().Snapshot()
	return out
}

// Export renders the current mix in the background. The mix is captured
// now; later edits do not change a running export.
func (s *Session) Export(opts export.Options) (export.Job, error) {
	if s.deps.Exports == nil {
		return export.Job{}, ErrExportUnavailable
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return export.Job{}, ErrClosed
	}
	tracks := append([]models.Track(nil), s.tracks...)
	masterVolume := s.master.Volume
	s.mu.Unlock()

	if opts.Tempo == 0 {
		opts.Tempo = s.processor.Tempo()
	}
	return s.deps.Exports.Start(s.id, tracks, masterVolume, opts)
}

// Close stops playback, flushes the saved mix, tears every path down and
// releases the audio context
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sync.Pause()
	s.sync.Close()

	var err error
	if s.saver != nil {
		err = s.saver.Close(ctx)
	}
	s.builder.Close()
	s.state.Close()
	s.deps.Context.Release(s.id)

	s.logger.WithField("session_id", s.id).Info("Session closed")
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) indexLocked(trackID string) int {
	for i, t := range s.tracks {
		if t.ID == trackID {
			return i
		}
	}
	return -1
}

func (s *Session) applyGainsLocked() {
	s.builder.SetGains(gain.ResolveAll(s.tracks, s.master))
}

func (s *Session) scheduleSaveLocked() {
	if s.saver != nil {
		s.saver.Schedule(mixstate.Capture(s.master, s.presetID, s.tracks))
	}
}

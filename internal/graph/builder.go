package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"stemmix/internal/effects"
	"stemmix/internal/media"
	"stemmix/internal/player"
	"stemmix/pkg/models"

	"github.com/sirupsen/logrus"
)

// ClipLoader decodes a source into engine-rate audio
type ClipLoader interface {
	Load(ctx context.Context, source string) (*media.Clip, error)
}

type loadState int

const (
	stateLoading loadState = iota
	stateLoaded
	stateFailed
)

type entry struct {
	source   string
	state    loadState
	err      error
	seq      int // load completion order
	path     *Path
	gain     float64
	pan      float64
	effects  models.EffectsSettings
	bypassed bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Builder owns the per-track paths of one session. It reuses a path when a
// track's source is unchanged and rebuilds it when the source changes.
type Builder struct {
	actx      *Context
	loader    ClipLoader
	processor *effects.Processor
	events    player.Publisher
	logger    *logrus.Logger
	smoothing time.Duration

	// OnLoaded is called, without the builder lock, after a path is
	// attached to the bus
	OnLoaded func(*Path)

	mu        sync.Mutex
	entries   map[string]*entry
	seq       int
	announced bool
	closed    bool
}

// NewBuilder creates a builder that attaches paths to actx's bus
func NewBuilder(actx *Context, loader ClipLoader, processor *effects.Processor, events player.Publisher, smoothing time.Duration, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if events == nil {
		events = player.Discard
	}
	return &Builder{
		actx:      actx,
		loader:    loader,
		processor: processor,
		events:    events,
		logger:    logger,
		smoothing: smoothing,
		entries:   make(map[string]*entry),
	}
}

// Sync brings the paths in line with tracks. gains holds each track's
// effective gain. Tracks absent from the list are torn down.
func (b *Builder) Sync(tracks []models.Track, gains map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	seen := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		seen[t.ID] = true
		e, exists := b.entries[t.ID]

		if exists && e.source == t.SourceURL {
			e.gain, e.pan = gains[t.ID], t.Pan
			if e.path != nil {
				e.path.SetGain(e.gain)
				e.path.SetPan(e.pan)
			}
			continue
		}

		if exists {
			b.teardown(t.ID, e)
		}
		if !t.HasSource() {
			continue
		}
		b.start(t, gains[t.ID])
	}

	for id, e := range b.entries {
		if !seen[id] {
			b.teardown(id, e)
		}
	}
}

// start begins an asynchronous load (must be called with lock held)
func (b *Builder) start(t models.Track, gain float64) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		source:  t.SourceURL,
		state:   stateLoading,
		gain:    gain,
		pan:     t.Pan,
		effects: t.Effects,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.entries[t.ID] = e
	b.announced = false

	go b.load(ctx, t.ID, e)
}

func (b *Builder) load(ctx context.Context, trackID string, e *entry) {
	defer close(e.done)

	clip, err := b.loader.Load(ctx, e.source)

	b.mu.Lock()
	if b.entries[trackID] != e || ctx.Err() != nil {
		b.mu.Unlock()
		return
	}

	if err == nil && clip.Len() == 0 {
		err = media.ErrNotReady
	}
	if err != nil {
		e.state, e.err = stateFailed, err
		b.logger.WithFields(logrus.Fields{
			"track_id": trackID,
			"source":   e.source,
		}).WithError(err).Warn("Failed to load track")
		b.events.Publish(player.Event{Type: player.EventTrackFailed, TrackID: trackID, Message: err.Error()})
		b.announceIfSettled()
		b.mu.Unlock()
		return
	}

	chain, cerr := b.processor.Attach(trackID, e.effects)
	if cerr != nil {
		b.logger.WithField("track_id", trackID).WithError(cerr).Warn("Playing track without effects")
		chain = nil
	} else {
		chain.SetBypass(e.bypassed)
	}

	rate := b.actx.SampleRate()
	element := media.NewElement(trackID, rate, clip)
	path := NewPath(element, chain, e.gain, e.pan, float64(rate), b.smoothing)
	b.actx.Attach(path)

	b.seq++
	e.path, e.state, e.seq = path, stateLoaded, b.seq

	b.logger.WithFields(logrus.Fields{
		"track_id": trackID,
		"duration": clip.Duration(),
	}).Info("Track loaded")
	b.events.Publish(player.Event{Type: player.EventTrackLoaded, TrackID: trackID, Duration: clip.Duration().Seconds()})
	b.announceIfSettled()
	onLoaded := b.OnLoaded
	b.mu.Unlock()

	if onLoaded != nil {
		onLoaded(path)
	}
}

// announceIfSettled emits all-tracks-loaded once per batch (must be called
// with lock held)
func (b *Builder) announceIfSettled() {
	if b.announced || len(b.entries) == 0 {
		return
	}
	loaded := 0
	for _, e := range b.entries {
		switch e.state {
		case stateLoading:
			return
		case stateLoaded:
			loaded++
		}
	}
	b.announced = true
	b.events.Publish(player.Event{
		Type:     player.EventAllTracksLoaded,
		Duration: b.maxDurationLocked().Seconds(),
		Data:     map[string]int{"loaded": loaded, "failed": len(b.entries) - loaded},
	})
}

// teardown detaches a path and cancels a pending load (must be called with
// lock held)
func (b *Builder) teardown(trackID string, e *entry) {
	e.cancel()
	if e.path != nil {
		b.actx.Detach(e.path)
		e.path.Element().Pause()
		e.path.Element().SetClip(nil)
	}
	b.processor.Detach(trackID)
	delete(b.entries, trackID)
}

// Remove tears down one track
func (b *Builder) Remove(trackID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[trackID]; ok {
		b.teardown(trackID, e)
	}
}

// SetGains publishes new effective gains
func (b *Builder) SetGains(gains map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, e := range b.entries {
		e.gain = gains[id]
		if e.path != nil {
			e.path.SetGain(e.gain)
		}
	}
}

// SetPan publishes a track's pan
func (b *Builder) SetPan(trackID string, pan float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[trackID]; ok {
		e.pan = pan
		if e.path != nil {
			e.path.SetPan(pan)
		}
	}
}

// UpdateEffects merges a patch into a track's effects. It is remembered
// for tracks that are still loading.
func (b *Builder) UpdateEffects(trackID string, patch models.EffectsPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[trackID]
	if !ok {
		return
	}
	e.effects = patch.ApplyTo(e.effects)
	b.processor.Update(trackID, patch)
}

// ReplaceEffects installs complete settings on a track
func (b *Builder) ReplaceEffects(trackID string, s models.EffectsSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[trackID]
	if !ok {
		return
	}
	e.effects = s.Normalize()
	if c, ok := b.processor.Chain(trackID); ok {
		c.Replace(e.effects)
	}
}

// SetBypass routes a track around its effects
func (b *Builder) SetBypass(trackID string, bypassed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[trackID]; ok {
		e.bypassed = bypassed
		b.processor.Bypass(trackID, bypassed)
	}
}

// Loaded reports whether a track has a playable path
func (b *Builder) Loaded(trackID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[trackID]
	return ok && e.state == stateLoaded
}

// Failed returns the load error for a track, if it failed
func (b *Builder) Failed(trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[trackID]; ok && e.state == stateFailed {
		return e.err
	}
	return nil
}

// Path returns a track's loaded path
func (b *Builder) Path(trackID string) (*Path, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[trackID]
	if !ok || e.path == nil {
		return nil, false
	}
	return e.path, true
}

// Paths returns every loaded path in the order loading finished
func (b *Builder) Paths() []*Path {
	b.mu.Lock()
	defer b.mu.Unlock()

	loaded := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.path != nil {
			loaded = append(loaded, e)
		}
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].seq < loaded[j].seq })

	out := make([]*Path, len(loaded))
	for i, e := range loaded {
		out[i] = e.path
	}
	return out
}

// Durations returns the duration of every loaded track
func (b *Builder) Durations() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]time.Duration)
	for id, e := range b.entries {
		if e.path != nil {
			out[id] = e.path.Element().Duration()
		}
	}
	return out
}

// MaxDuration returns the longest loaded track, zero when none loaded
func (b *Builder) MaxDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxDurationLocked()
}

func (b *Builder) maxDurationLocked() time.Duration {
	var longest time.Duration
	for _, e := range b.entries {
		if e.path != nil {
			longest = max(longest, e.path.Element().Duration())
		}
	}
	return longest
}

// Wait blocks until every pending load has finished or ctx is done
func (b *Builder) Wait(ctx context.Context) error {
	b.mu.Lock()
	pending := make([]chan struct{}, 0, len(b.entries))
	for _, e := range b.entries {
		pending = append(pending, e.done)
	}
	b.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close tears every path down. The builder is unusable afterwards.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, e := range b.entries {
		b.teardown(id, e)
	}
	b.closed = true
}

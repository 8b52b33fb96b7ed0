// Package transport keeps every loaded stem playing in lock step and
// reports one unified mix position.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stemmix/internal/player"

	"github.com/sirupsen/logrus"
)

// ErrNothingLoaded is returned by Play when no track is ready to play
var ErrNothingLoaded = errors.New("no loaded tracks to play")

// Participant is one track taking part in synchronized playback
type Participant interface {
	ID() string
	Ready() bool
	Duration() time.Duration
	Position() time.Duration
	Play(ctx context.Context) error
	Pause()
	Seek(time.Duration)
}

// ReferencePolicy picks the track whose playhead is the mix clock
type ReferencePolicy string

const (
	ReferenceFirstLoaded ReferencePolicy = "first_loaded"
	ReferenceLongest     ReferencePolicy = "longest"
)

// Config holds the synchronizer thresholds
type Config struct {
	TickInterval      time.Duration
	SoftThreshold     time.Duration
	CriticalThreshold time.Duration
	EndEpsilon        time.Duration
	Reference         ReferencePolicy
	MeterEvery        int // publish meters every Nth tick pass
}

// DefaultConfig returns 60 Hz ticks with 50/150 ms drift thresholds
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second / 60,
		SoftThreshold:     50 * time.Millisecond,
		CriticalThreshold: 150 * time.Millisecond,
		EndEpsilon:        50 * time.Millisecond,
		Reference:         ReferenceFirstLoaded,
		MeterEvery:        2,
	}
}

// Synchronizer drives transport across all participants. The roster
// returns the current participants in load order.
type Synchronizer struct {
	cfg    Config
	roster func() []Participant
	resume func(ctx context.Context) error
	state  *player.StateManager
	logger *logrus.Logger
	frames *FrameScheduler

	mu       sync.Mutex
	status   string
	position time.Duration
	lastTick time.Time
	ended    bool
	passes   int
	meters   func() any
}

// New creates a stopped synchronizer. resume, when set, is awaited before
// any track is asked to play.
func New(cfg Config, roster func() []Participant, resume func(ctx context.Context) error, state *player.StateManager, logger *logrus.Logger) *Synchronizer {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if state == nil {
		state = player.NewStateManager("")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MeterEvery <= 0 {
		cfg.MeterEvery = DefaultConfig().MeterEvery
	}

	s := &Synchronizer{
		cfg:    cfg,
		roster: roster,
		resume: resume,
		state:  state,
		logger: logger,
		status: player.StatusStopped,
	}
	s.frames = NewFrameScheduler(cfg.TickInterval, func(now time.Time) { s.Tick(now) })
	return s
}

// Status returns stopped, playing or paused
func (s *Synchronizer) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Position returns the unified mix time
func (s *Synchronizer) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Duration returns the longest loaded track
func (s *Synchronizer) Duration() time.Duration {
	return duration(s.roster())
}

// SetMeters sets the level source sampled while playing. Its result is
// published as a meters event every MeterEvery passes.
func (s *Synchronizer) SetMeters(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meters = fn
}

// Ticking reports whether the frame loop is running
func (s *Synchronizer) Ticking() bool { return s.frames.Running() }

// Play starts every loaded track at the unified position. Individual
// failures are logged and tolerated; Play fails only when no track starts.
func (s *Synchronizer) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == player.StatusPlaying {
		return nil
	}

	ready := loadedOnly(s.roster())
	if len(ready) == 0 {
		return ErrNothingLoaded
	}

	if s.resume != nil {
		if err := s.resume(ctx); err != nil {
			return fmt.Errorf("failed to resume audio output: %w", err)
		}
	}

	total := duration(ready)
	if s.ended || s.position >= total-s.cfg.EndEpsilon {
		s.position = 0
	}
	s.ended = false

	for _, p := range ready {
		p.Seek(s.position)
	}

	errs := make([]error, len(ready))
	var wg sync.WaitGroup
	for i, p := range ready {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Play(ctx)
		}()
	}
	wg.Wait()

	started := 0
	for i, err := range errs {
		if err != nil {
			s.logger.WithField("track_id", ready[i].ID()).WithError(err).Warn("Track failed to start, continuing without it")
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no track started: %w", errors.Join(errs...))
	}

	s.status = player.StatusPlaying
	s.lastTick = time.Time{}
	s.state.UpdatePlaybackState(player.StatusPlaying)
	s.frames.Start()

	s.logger.WithFields(logrus.Fields{
		"started":  started,
		"failed":   len(ready) - started,
		"position": s.position,
	}).Info("Playback started")
	return nil
}

// Pause pauses every track and keeps the position
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != player.StatusPlaying {
		return
	}
	s.frames.Stop()
	all := s.roster()
	if ref := s.reference(all); ref != nil {
		s.position = min(ref.Position(), duration(all))
	}
	for _, p := range all {
		p.Pause()
	}
	s.status = player.StatusPaused
	s.state.UpdatePlaybackState(player.StatusPaused)
	s.state.UpdateTime(s.position, duration(all))
}

// Stop pauses every track, rewinds it to zero and reports time zero
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames.Stop()
	all := s.roster()
	for _, p := range all {
		p.Pause()
		p.Seek(0)
	}
	s.position = 0
	s.ended = false
	s.status = player.StatusStopped
	s.state.UpdatePlaybackState(player.StatusStopped)
	s.state.UpdateTime(0, duration(all))
}

// Seek moves every loaded track to t, clamped to the mix, and reports the
// new position immediately
func (s *Synchronizer) Seek(t time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.roster()
	total := duration(all)
	t = max(0, min(t, total))

	for _, p := range all {
		p.Seek(t)
	}
	s.position = t
	s.ended = false
	s.state.UpdateTime(t, total)
	return t
}

// Join brings a track that finished loading in line with the transport
func (s *Synchronizer) Join(ctx context.Context, p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Seek(s.position)
	if s.status != player.StatusPlaying {
		return
	}
	if err := p.Play(ctx); err != nil {
		s.logger.WithField("track_id", p.ID()).WithError(err).Warn("Late track failed to start")
	}
}

// Tick runs one synchronization pass. Calls closer together than the tick
// interval are skipped. Returns whether the pass ran.
func (s *Synchronizer) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != player.StatusPlaying {
		return false
	}
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.cfg.TickInterval*3/4 {
		return false
	}
	s.lastTick = now

	all := s.roster()
	ref := s.reference(all)
	if ref == nil {
		return true
	}
	total := duration(all)
	master := ref.Position()

	for _, p := range all {
		if p == ref || !p.Ready() || p.Duration() <= 0 || master >= p.Duration() {
			continue
		}
		drift := p.Position() - master
		if drift < 0 {
			drift = -drift
		}
		switch {
		case drift > s.cfg.CriticalThreshold:
			p.Seek(master)
			s.logger.WithFields(logrus.Fields{
				"track_id":  p.ID(),
				"drift_ms":  drift.Milliseconds(),
				"reference": ref.ID(),
			}).Warn("Critical drift, track stalled or buffering")
			s.state.Publish(player.Event{Type: player.EventDriftCritical, TrackID: p.ID(), Position: master.Seconds(), Data: drift.Milliseconds()})
		case drift > s.cfg.SoftThreshold:
			p.Seek(master)
			s.logger.WithFields(logrus.Fields{
				"track_id": p.ID(),
				"drift_ms": drift.Milliseconds(),
			}).Debug("Resynced drifting track")
			s.state.Publish(player.Event{Type: player.EventDriftCorrected, TrackID: p.ID(), Position: master.Seconds(), Data: drift.Milliseconds()})
		}
	}

	s.position = min(master, total)
	s.state.UpdateTime(s.position, total)

	s.passes++
	if s.meters != nil && s.passes%s.cfg.MeterEvery == 0 {
		s.state.Publish(player.Event{Type: player.EventMeters, Position: s.position.Seconds(), Data: s.meters()})
	}

	if total > 0 && master >= total-s.cfg.EndEpsilon {
		s.end(all, total)
	}
	return true
}

// end stops the transport once per run (must be called with lock held)
func (s *Synchronizer) end(all []Participant, total time.Duration) {
	if s.ended {
		return
	}
	s.ended = true
	s.frames.Stop()
	for _, p := range all {
		p.Pause()
	}
	s.position = total
	s.status = player.StatusPaused
	s.state.UpdatePlaybackState(player.StatusPaused)
	s.state.Publish(player.Event{Type: player.EventPlaybackEnded, Position: total.Seconds(), Duration: total.Seconds()})
	s.logger.WithField("duration", total).Info("Playback ended")
}

// reference picks the clock track. When the preferred track has run out
// before the rest of the mix, the longest track takes over.
func (s *Synchronizer) reference(all []Participant) Participant {
	var first, longest Participant
	for _, p := range all {
		if p.Duration() <= 0 {
			continue
		}
		if first == nil {
			first = p
		}
		if longest == nil || p.Duration() > longest.Duration() {
			longest = p
		}
	}
	if first == nil {
		return nil
	}
	if s.cfg.Reference == ReferenceLongest {
		return longest
	}
	if first.Position() >= first.Duration() && longest.Duration() > first.Duration() {
		return longest
	}
	return first
}

// Close stops the frame loop
func (s *Synchronizer) Close() {
	s.frames.Stop()
	<-s.frames.Done()
}

func loadedOnly(all []Participant) []Participant {
	out := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.Duration() > 0 {
			out = append(out, p)
		}
	}
	return out
}

func duration(all []Participant) time.Duration {
	var longest time.Duration
	for _, p := range all {
		longest = max(longest, p.Duration())
	}
	return longest
}

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stemmix/internal/player"

	"github.com/sirupsen/logrus"
)

type fakeTrack struct {
	mu       sync.Mutex
	id       string
	dur      time.Duration
	pos      time.Duration
	ready    bool
	playing  bool
	playErr  error
	seeks    int
	playCall int
}

func newTrack(id string, dur time.Duration) *fakeTrack {
	return &fakeTrack{id: id, dur: dur, ready: true}
}

func (f *fakeTrack) ID() string { return f.id }

func (f *fakeTrack) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTrack) Duration() time.Duration { return f.dur }

func (f *fakeTrack) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeTrack) Play(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCall++
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = true
	return nil
}

func (f *fakeTrack) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *fakeTrack) Seek(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = min(d, f.dur)
	f.seeks++
}

func (f *fakeTrack) set(pos time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = pos
}

func (f *fakeTrack) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// manualConfig uses an interval long enough that the frame loop never
// fires during a test; ticks are driven by hand.
func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	return cfg
}

func newSync(t *testing.T, cfg Config, tracks ...*fakeTrack) (*Synchronizer, <-chan player.Event) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	state := player.NewStateManager("s")
	events := state.Subscribe()
	roster := func() []Participant {
		out := make([]Participant, len(tracks))
		for i, tr := range tracks {
			out[i] = tr
		}
		return out
	}
	s := New(cfg, roster, nil, state, logger)
	t.Cleanup(s.Close)
	return s, events
}

func drain(ch <-chan player.Event, typ player.EventType) int {
	n := 0
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func TestPlayStartsAllTracks(t *testing.T) {
	a, b := newTrack("a", 10*time.Second), newTrack("b", 8*time.Second)
	s, _ := newSync(t, manualConfig(), a, b)

	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if !a.isPlaying() || !b.isPlaying() {
		t.Error("every loaded track should be playing")
	}
	if s.Status() != player.StatusPlaying {
		t.Errorf("Status() = %s, want playing", s.Status())
	}
	if !s.Ticking() {
		t.Error("frame loop should run while playing")
	}

	s.Pause()
	if a.isPlaying() || b.isPlaying() || s.Ticking() {
		t.Error("pause should stop tracks and the frame loop")
	}
}

func TestPlayToleratesPartialFailure(t *testing.T) {
	a, b := newTrack("a", 10*time.Second), newTrack("b", 10*time.Second)
	b.playErr = errors.New("autoplay blocked")
	s, _ := newSync(t, manualConfig(), a, b)

	if err := s.Play(context.Background()); err != nil {
		t.Fatalf("Play() should tolerate one failing track, got %v", err)
	}
	if !a.isPlaying() {
		t.Error("healthy track should still play")
	}
}

func TestPlayFailsWhenNothingStarts(t *testing.T) {
	a := newTrack("a", 10*time.Second)
	a.playErr = errors.New("device lost")
	s, _ := newSync(t, manualConfig(), a)

	if err := s.Play(context.Background()); err == nil {
		t.Error("Play() should fail when no track starts")
	}
	if s.Status() == player.StatusPlaying {
		t.Error("status must not become playing")
	}

	empty, _ := newSync(t, manualConfig())
	if err := empty.Play(context.Background()); !errors.Is(err, ErrNothingLoaded) {
		t.Errorf("Play() with no tracks = %v, want ErrNothingLoaded", err)
	}
}

func TestPlayAwaitsResume(t *testing.T) {
	a := newTrack("a", time.Second)
	roster := func() []Participant { return []Participant{a} }
	resumeErr := errors.New("suspended")
	s := New(manualConfig(), roster, func(ctx context.Context) error { return resumeErr }, nil, nil)
	defer s.Close()

	if err := s.Play(context.Background()); !errors.Is(err, resumeErr) {
		t.Errorf("Play() = %v, want resume error", err)
	}
	if a.playCall != 0 {
		t.Error("tracks must not be asked to play before the output resumes")
	}
}

func TestSeekReportsImmediately(t *testing.T) {
	a, b := newTrack("a", 10*time.Second), newTrack("b", 6*time.Second)
	s, _ := newSync(t, manualConfig(), a, b)

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"inside", 3 * time.Second, 3 * time.Second},
		{"negative", -time.Second, 0},
		{"past end", time.Minute, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Seek(tt.in)
			if got := s.Position(); got != tt.want {
				t.Errorf("Position() after Seek(%v) = %v, want %v", tt.in, got, tt.want)
			}
			if a.Position() != tt.want {
				t.Errorf("track a at %v, want %v", a.Position(), tt.want)
			}
		})
	}
}

func TestStopRewinds(t *testing.T) {
	a := newTrack("a", 10*time.Second)
	s, _ := newSync(t, manualConfig(), a)

	_ = s.Play(context.Background())
	a.set(4 * time.Second)
	s.Stop()

	if s.Position() != 0 || a.Position() != 0 {
		t.Errorf("after Stop position = %v/%v, want 0", s.Position(), a.Position())
	}
	if s.Status() != player.StatusStopped || a.isPlaying() {
		t.Error("Stop should leave everything stopped")
	}
}

func TestTickCorrectsDrift(t *testing.T) {
	ref, late, far := newTrack("ref", 10*time.Second), newTrack("late", 10*time.Second), newTrack("far", 10*time.Second)
	s, events := newSync(t, manualConfig(), ref, late, far)
	_ = s.Play(context.Background())

	ref.set(2 * time.Second)
	late.set(2*time.Second + 80*time.Millisecond)
	far.set(2*time.Second - 400*time.Millisecond)

	if !s.Tick(time.Now()) {
		t.Fatal("first tick should run")
	}
	for _, tr := range []*fakeTrack{late, far} {
		drift := tr.Position() - ref.Position()
		if drift < -s.cfg.SoftThreshold || drift > s.cfg.SoftThreshold {
			t.Errorf("%s still drifts %v after one tick", tr.id, drift)
		}
	}
	if s.Position() != 2*time.Second {
		t.Errorf("unified time = %v, want the reference position", s.Position())
	}
	if n := drain(events, player.EventDriftCritical); n != 1 {
		t.Errorf("critical drift events = %d, want 1", n)
	}
}

func TestTickIgnoresSmallDriftAndUnreadyTracks(t *testing.T) {
	ref, near, stalled := newTrack("ref", 10*time.Second), newTrack("near", 10*time.Second), newTrack("stalled", 10*time.Second)
	s, _ := newSync(t, manualConfig(), ref, near, stalled)
	_ = s.Play(context.Background())
	seeksBefore := near.seeks

	ref.set(time.Second)
	near.set(time.Second + 20*time.Millisecond)
	stalled.set(0)
	stalled.ready = false

	s.Tick(time.Now())
	if near.seeks != seeksBefore {
		t.Error("drift under the soft threshold must not be corrected")
	}
	if stalled.Position() != 0 {
		t.Error("tracks that are not ready are skipped this tick")
	}

	stalled.ready = true
	s.lastTick = time.Time{}
	s.Tick(time.Now())
	if stalled.Position() != time.Second {
		t.Errorf("ready track should rejoin, at %v", stalled.Position())
	}
}

func TestTickThrottles(t *testing.T) {
	cfg := manualConfig()
	cfg.TickInterval = 100 * time.Millisecond
	a := newTrack("a", 10*time.Second)
	s, _ := newSync(t, cfg, a)
	s.frames.Stop() // drive ticks by hand
	s.status = player.StatusPlaying

	now := time.Now()
	if !s.Tick(now) {
		t.Fatal("first tick should run")
	}
	if s.Tick(now.Add(10 * time.Millisecond)) {
		t.Error("tick inside the interval should be skipped")
	}
	if !s.Tick(now.Add(100 * time.Millisecond)) {
		t.Error("tick after the interval should run")
	}
}

func TestTickPublishesMeters(t *testing.T) {
	cfg := manualConfig()
	cfg.MeterEvery = 2
	a := newTrack("a", 10*time.Second)
	s, events := newSync(t, cfg, a)
	samples := 0
	s.SetMeters(func() any {
		samples++
		return map[string]float64{"master": -6}
	})
	_ = s.Play(context.Background())

	for i := 0; i < 6; i++ {
		a.set(time.Duration(i+1) * 100 * time.Millisecond)
		s.lastTick = time.Time{}
		s.Tick(time.Now())
	}
	if samples != 3 {
		t.Errorf("sampled levels %d times over 6 passes, want 3", samples)
	}
	if n := drain(events, player.EventMeters); n != 3 {
		t.Errorf("meters events = %d, want 3", n)
	}

	s.Pause()
	s.lastTick = time.Time{}
	s.Tick(time.Now())
	s.lastTick = time.Time{}
	s.Tick(time.Now())
	if samples != 3 {
		t.Error("levels must not be sampled while paused")
	}
}

func TestEndFiresOnce(t *testing.T) {
	a, b := newTrack("a", 5*time.Second), newTrack("b", 5*time.Second)
	s, events := newSync(t, manualConfig(), a, b)
	_ = s.Play(context.Background())

	a.set(5*time.Second - 10*time.Millisecond)
	b.set(5*time.Second - 10*time.Millisecond)
	s.Tick(time.Now())
	s.lastTick = time.Time{}
	s.Tick(time.Now())

	if n := drain(events, player.EventPlaybackEnded); n != 1 {
		t.Errorf("playback-ended events = %d, want exactly 1", n)
	}
	if s.Status() == player.StatusPlaying || a.isPlaying() {
		t.Error("transport should leave playing at the end")
	}
	if s.Position() != 5*time.Second {
		t.Errorf("Position() = %v, want the mix duration", s.Position())
	}

	// Playing again restarts from the top.
	_ = s.Play(context.Background())
	if a.Position() != 0 {
		t.Errorf("replay after end starts at %v, want 0", a.Position())
	}
}

func TestReferenceFallsBackWhenShortTrackEnds(t *testing.T) {
	short, long := newTrack("adlib", 2*time.Second), newTrack("main", 10*time.Second)
	s, events := newSync(t, manualConfig(), short, long)
	_ = s.Play(context.Background())

	short.set(2 * time.Second)
	long.set(6 * time.Second)
	s.Tick(time.Now())

	if s.Position() != 6*time.Second {
		t.Errorf("Position() = %v, want the long track once the first has ended", s.Position())
	}
	if drain(events, player.EventPlaybackEnded) != 0 {
		t.Error("the mix must not end when only the short track has")
	}
}

func TestReferenceLongestPolicy(t *testing.T) {
	cfg := manualConfig()
	cfg.Reference = ReferenceLongest
	short, long := newTrack("adlib", 3*time.Second), newTrack("main", 10*time.Second)
	s, _ := newSync(t, cfg, short, long)
	_ = s.Play(context.Background())

	short.set(1 * time.Second)
	long.set(1*time.Second + 100*time.Millisecond)
	s.Tick(time.Now())

	if s.Position() != 1100*time.Millisecond {
		t.Errorf("Position() = %v, want the longest track's time", s.Position())
	}
	if short.Position() != 1100*time.Millisecond {
		t.Errorf("short track should follow the longest, at %v", short.Position())
	}
}

func TestJoinLateTrack(t *testing.T) {
	a := newTrack("a", 10*time.Second)
	s, _ := newSync(t, manualConfig(), a)
	_ = s.Play(context.Background())
	s.Seek(3 * time.Second)

	late := newTrack("late", 10*time.Second)
	s.Join(context.Background(), late)
	if late.Position() != 3*time.Second || !late.isPlaying() {
		t.Errorf("late track at %v playing=%v, want 3s and playing", late.Position(), late.isPlaying())
	}
}

func TestFrameSchedulerRunsUntilStopped(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f := NewFrameScheduler(time.Millisecond, func(time.Time) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	f.Start()
	f.Start() // no-op
	time.Sleep(30 * time.Millisecond)
	f.Stop()
	<-f.Done()

	mu.Lock()
	got := calls
	mu.Unlock()
	if got == 0 {
		t.Error("scheduler never ticked")
	}
	if f.Running() {
		t.Error("scheduler should report stopped")
	}
}

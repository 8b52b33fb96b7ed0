package graph

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"stemmix/internal/effects"
	"stemmix/internal/media"
	"stemmix/internal/player"
	"stemmix/pkg/models"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

const testRate = beep.SampleRate(48000)

type fakeLoader struct {
	mu    sync.Mutex
	clips map[string]*media.Clip
	calls map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{clips: make(map[string]*media.Clip), calls: make(map[string]int)}
}

func (f *fakeLoader) add(source string, frames [][2]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips[source] = &media.Clip{Source: source, Rate: testRate, Frames: frames}
}

func (f *fakeLoader) Load(ctx context.Context, source string) (*media.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[source]++
	if c, ok := f.clips[source]; ok {
		return c, nil
	}
	return nil, errors.New("no such source")
}

type recorder struct {
	mu     sync.Mutex
	events []player.Event
}

func (r *recorder) Publish(ev player.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t player.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func constant(n int, l, r float64) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{l, r}
	}
	return out
}

type fixture struct {
	device  *NullDevice
	actx    *Context
	loader  *fakeLoader
	events  *recorder
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &fixture{
		device: NewNullDevice(),
		loader: newFakeLoader(),
		events: &recorder{},
	}
	f.actx = NewContext(f.device, testRate, 2400, logger)
	if err := f.actx.Acquire("test"); err != nil {
		t.Fatal(err)
	}
	proc := effects.NewProcessor(effects.DefaultOptions(float64(testRate)), logger)
	f.builder = NewBuilder(f.actx, f.loader, proc, f.events, 20*time.Millisecond, logger)
	t.Cleanup(f.builder.Close)
	return f
}

func (f *fixture) sync(t *testing.T, tracks []models.Track, gains map[string]float64) {
	t.Helper()
	f.builder.Sync(tracks, gains)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.builder.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func track(id, source string) models.Track {
	return models.Track{ID: id, SourceURL: source, Volume: 1, Effects: models.DefaultEffects()}
}

func TestBuilderLoadsTracks(t *testing.T) {
	f := newFixture(t)
	f.loader.add("a.wav", constant(48000, 0.1, 0.1))
	f.loader.add("b.wav", constant(96000, 0.1, 0.1))

	f.sync(t, []models.Track{track("a", "a.wav"), track("b", "b.wav"), track("c", "")}, nil)

	if !f.builder.Loaded("a") || !f.builder.Loaded("b") {
		t.Fatal("both sourced tracks should be loaded")
	}
	if f.builder.Loaded("c") {
		t.Error("a track without a source must not get a path")
	}
	if got := f.builder.MaxDuration(); got != 2*time.Second {
		t.Errorf("MaxDuration() = %v, want 2s", got)
	}
	if f.actx.Bus().Len() != 2 {
		t.Errorf("bus has %d paths, want 2", f.actx.Bus().Len())
	}
	if f.events.count(player.EventTrackLoaded) != 2 {
		t.Errorf("track-loaded events = %d, want 2", f.events.count(player.EventTrackLoaded))
	}
	if f.events.count(player.EventAllTracksLoaded) != 1 {
		t.Errorf("all-tracks-loaded events = %d, want 1", f.events.count(player.EventAllTracksLoaded))
	}
}

func TestBuilderReusesPathForSameSource(t *testing.T) {
	f := newFixture(t)
	f.loader.add("a.wav", constant(4800, 0.1, 0.1))

	tr := track("a", "a.wav")
	f.sync(t, []models.Track{tr}, map[string]float64{"a": 1})
	first, _ := f.builder.Path("a")

	tr.Pan = -0.5
	f.sync(t, []models.Track{tr}, map[string]float64{"a": 0.25})
	second, _ := f.builder.Path("a")

	if first != second {
		t.Error("unchanged source should keep the same path")
	}
	if second.Gain() != 0.25 || second.Pan() != -0.5 {
		t.Errorf("gain/pan = %v/%v, want 0.25/-0.5", second.Gain(), second.Pan())
	}
	if f.loader.calls["a.wav"] != 1 {
		t.Errorf("source loaded %d times, want 1", f.loader.calls["a.wav"])
	}
}

func TestBuilderRebuildsOnSourceChange(t *testing.T) {
	f := newFixture(t)
	f.loader.add("v1.wav", constant(4800, 0.1, 0.1))
	f.loader.add("v2.wav", constant(9600, 0.1, 0.1))

	f.sync(t, []models.Track{track("a", "v1.wav")}, nil)
	old, _ := f.builder.Path("a")

	f.sync(t, []models.Track{track("a", "v2.wav")}, nil)
	next, ok := f.builder.Path("a")
	if !ok || next == old {
		t.Fatal("changed source should produce a new path")
	}
	if f.actx.Bus().Len() != 1 {
		t.Errorf("bus has %d paths, want the old one detached", f.actx.Bus().Len())
	}
	if old.Element().Clip() != nil {
		t.Error("old element should be released")
	}
	if next.Element().Duration() != 200*time.Millisecond {
		t.Errorf("new duration = %v, want 200ms", next.Element().Duration())
	}
}

func TestBuilderLoadFailureIsNotLoaded(t *testing.T) {
	f := newFixture(t)
	f.sync(t, []models.Track{track("x", "missing.wav")}, nil)

	if f.builder.Loaded("x") {
		t.Error("failed track should not be loaded")
	}
	if f.builder.Failed("x") == nil {
		t.Error("Failed() should report the load error")
	}
	if f.events.count(player.EventTrackFailed) != 1 {
		t.Error("expected one track-failed event")
	}
	if f.builder.MaxDuration() != 0 {
		t.Error("no loaded tracks means zero duration")
	}
}

func TestBuilderRemovesMissingTracks(t *testing.T) {
	f := newFixture(t)
	f.loader.add("a.wav", constant(4800, 0.1, 0.1))
	f.loader.add("b.wav", constant(4800, 0.1, 0.1))

	f.sync(t, []models.Track{track("a", "a.wav"), track("b", "b.wav")}, nil)
	f.sync(t, []models.Track{track("b", "b.wav")}, nil)

	if f.builder.Loaded("a") {
		t.Error("track dropped from the set should be torn down")
	}
	if len(f.builder.Paths()) != 1 {
		t.Errorf("Paths() = %d, want 1", len(f.builder.Paths()))
	}
}

func TestPathGainAndPan(t *testing.T) {
	f := newFixture(t)
	f.loader.add("a.wav", constant(48000, 0.4, 0.2))
	f.sync(t, []models.Track{track("a", "a.wav")}, map[string]float64{"a": 0.5})

	p, _ := f.builder.Path("a")
	p.Snap()
	if err := p.Element().Play(context.Background()); err != nil {
		t.Fatal(err)
	}

	out := f.device.Pull(256)
	last := out[255]
	if math.Abs(last[0]-0.2) > 1e-6 || math.Abs(last[1]-0.1) > 1e-6 {
		t.Errorf("centred output = %v, want [0.2 0.1]", last)
	}

	p.SetPan(1)
	p.Snap()
	out = f.device.Pull(256)
	last = out[255]
	if math.Abs(last[0]) > 1e-9 || math.Abs(last[1]-0.3) > 1e-6 {
		t.Errorf("hard right output = %v, want [0 0.3]", last)
	}
}

func TestPathGainRamps(t *testing.T) {
	f := newFixture(t)
	f.loader.add("a.wav", constant(48000, 1, 1))
	f.sync(t, []models.Track{track("a", "a.wav")}, map[string]float64{"a": 1})

	p, _ := f.builder.Path("a")
	_ = p.Element().Play(context.Background())
	f.device.Pull(64)

	p.SetGain(0)
	out := f.device.Pull(480)
	if out[0][0] < 0.9 {
		t.Errorf("gain should not jump: first sample %v", out[0][0])
	}
	if out[479][0] > 0.7 || out[479][0] <= 0 {
		t.Errorf("after 10ms the ramp should be partway: %v", out[479][0])
	}
}

func TestTapSnapshot(t *testing.T) {
	tap := NewTap(4800, 48000)
	if lv := tap.Snapshot(); lv.PeakDB != silenceDB {
		t.Errorf("empty tap PeakDB = %v, want silence", lv.PeakDB)
	}

	frames := make([][2]float64, 4800)
	for i := range frames {
		v := 0.5 * math.Sin(2*math.Pi*1000*float64(i)/48000)
		frames[i] = [2]float64{v, v}
	}
	tap.Write(frames)

	lv := tap.Snapshot()
	if math.Abs(lv.Peak-0.5) > 0.01 {
		t.Errorf("Peak = %v, want 0.5", lv.Peak)
	}
	if math.Abs(lv.RMS-0.5/math.Sqrt2) > 0.01 {
		t.Errorf("RMS = %v, want %v", lv.RMS, 0.5/math.Sqrt2)
	}
	if math.Abs(lv.Bands[4]-(-6.02)) > 0.5 {
		t.Errorf("1kHz band = %v dB, want about -6", lv.Bands[4])
	}
	if lv.Bands[0] > -30 {
		t.Errorf("63Hz band = %v dB, want well below the tone", lv.Bands[0])
	}
}

func TestSoftClip(t *testing.T) {
	if softClip(0.5) != 0.5 || softClip(-0.9) != -0.9 {
		t.Error("signal below the knee must pass untouched")
	}
	if y := softClip(3); y >= 1 || y <= clipKnee {
		t.Errorf("softClip(3) = %v, want in (knee, 1)", y)
	}
	if softClip(-3) != -softClip(3) {
		t.Error("clip guard should be symmetric")
	}
}

func TestContextSingleOwner(t *testing.T) {
	actx := NewContext(NewNullDevice(), testRate, 1024, nil)
	if err := actx.Acquire("one"); err != nil {
		t.Fatal(err)
	}
	if err := actx.Acquire("two"); !errors.Is(err, ErrContextBusy) {
		t.Errorf("second owner error = %v, want ErrContextBusy", err)
	}
	if err := actx.Acquire("one"); err != nil {
		t.Errorf("re-acquire by the owner failed: %v", err)
	}

	actx.Release("two") // not the owner
	if actx.Owner() != "one" {
		t.Error("release by a non-owner must be ignored")
	}
	actx.Release("one")
	if err := actx.Acquire("two"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
	if err := actx.Resume(context.Background()); err != nil {
		t.Errorf("Resume() error = %v", err)
	}
	if err := actx.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

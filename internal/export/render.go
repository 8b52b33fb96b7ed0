package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stemmix/internal/effects"
	"stemmix/internal/gain"
	"stemmix/internal/graph"
	"stemmix/internal/media"
	"stemmix/pkg/models"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

const (
	renderBlock = 4096
	// maxTail bounds how long reverb and delay tails ring past the longest stem
	maxTail = 5 * time.Second
)

// Config configures an Exporter
type Config struct {
	SampleRate beep.SampleRate // rate the mix is rendered at
	Effects    effects.Options
	Tempo      float64 // BPM used by tempo-synced delays, zero when unknown
	WorkDir    string  // where files are encoded before delivery
	FFmpegPath string
}

// Exporter renders mixes offline. It is safe for concurrent use; every call
// builds its own paths and bus.
type Exporter struct {
	cfg    Config
	loader graph.ClipLoader
	sink   Sink
	logger *logrus.Logger
}

// NewExporter creates an exporter delivering to sink
func NewExporter(cfg Config, loader graph.ClipLoader, sink Sink, logger *logrus.Logger) *Exporter {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Effects.SampleRate == 0 {
		cfg.Effects = effects.DefaultOptions(float64(cfg.SampleRate))
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Exporter{cfg: cfg, loader: loader, sink: sink, logger: logger}
}

// ActiveTracks returns the tracks an export would render: those with a
// source that are neither muted nor silenced by another track's solo
func ActiveTracks(tracks []models.Track) []models.Track {
	solo := gain.AnySolo(tracks)
	var active []models.Track
	for _, t := range tracks {
		if !t.HasSource() || t.Muted || (solo && !t.Solo) {
			continue
		}
		active = append(active, t)
	}
	return active
}

// Export renders tracks at masterVolume and delivers the encoded file.
// progress may be nil. The track slice is a snapshot; later changes to the
// live mix do not affect a running export.
func (e *Exporter) Export(ctx context.Context, tracks []models.Track, masterVolume float64, opts Options, progress func(Progress)) (*Result, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	if err := opts.Validate(); err != nil {
		return nil, stageError(StagePreparing, "invalid options", err)
	}
	active := ActiveTracks(tracks)
	if len(active) == 0 {
		return nil, ErrNoActiveTracks
	}
	tier, _ := opts.Quality.Tier()
	start := time.Now()

	progress(Progress{Stage: StagePreparing})
	tempo := e.cfg.Tempo
	if opts.Tempo > 0 {
		tempo = opts.Tempo
	}
	frames, warnings, err := e.render(ctx, active, masterVolume, tempo, progress)
	if err != nil {
		return nil, err
	}

	progress(Progress{Stage: StageMastering})
	stats, err := master(frames, float64(e.cfg.SampleRate), opts)
	if err != nil {
		return nil, stageError(StageMastering, "mastering failed", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	progress(Progress{Stage: StageMastering, Percent: 100})

	progress(Progress{Stage: StageEncoding})
	if tier.SampleRate != e.cfg.SampleRate {
		frames, err = media.Drain(beep.Resample(resampleQuality, e.cfg.SampleRate, tier.SampleRate, media.NewFrameStreamer(frames)))
		if err != nil {
			return nil, stageError(StageEncoding, "resampling failed", err)
		}
	}

	name := opts.fileName(start)
	path, err := e.encode(ctx, frames, tier, opts, name)
	if err != nil {
		return nil, err
	}
	progress(Progress{Stage: StageEncoding, Percent: 100})

	progress(Progress{Stage: StageDelivering})
	url, err := e.sink.Deliver(ctx, path, name)
	if err != nil {
		os.Remove(path)
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, stageError(StageDelivering, "delivery failed", err)
	}
	progress(Progress{Stage: StageDone, Percent: 100})

	res := &Result{
		URL:          url,
		FileName:     name,
		Duration:     tier.SampleRate.D(len(frames)),
		PeakDB:       stats.PeakDB,
		LoudnessLUFS: stats.LoudnessLUFS,
		Warnings:     warnings,
	}
	if fs, ok := e.sink.(*FileSink); ok {
		if p, ok := fs.PathOf(url); ok {
			res.Path = p
			res.FileName = filepath.Base(p)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"file":     name,
		"tracks":   len(active),
		"duration": res.Duration,
		"elapsed":  time.Since(start),
		"warnings": len(warnings),
	}).Info("Export finished")
	return res, nil
}

// render mixes the active tracks into one stereo buffer at the engine rate
func (e *Exporter) render(ctx context.Context, active []models.Track, masterVolume, tempo float64, progress func(Progress)) ([][2]float64, []string, error) {
	clips := make([]*media.Clip, len(active))
	loadErrs := make([]error, len(active))

	var wg sync.WaitGroup
	for i, t := range active {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			clips[i], loadErrs[i] = e.loader.Load(ctx, source)
		}(i, t.SourceURL)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, nil, ErrCancelled
	}

	gains := gain.ResolveAll(active, models.Master{Volume: masterVolume})
	bus := graph.NewBus(float64(e.cfg.SampleRate))
	bus.SetClipGuard(false)

	var warnings []string
	total := 0
	for i, t := range active {
		if loadErrs[i] == nil && clips[i].Len() == 0 {
			loadErrs[i] = media.ErrNotReady
		}
		if loadErrs[i] != nil {
			warnings = append(warnings, fmt.Sprintf("track %s rendered silent: %v", t.ID, loadErrs[i]))
			e.logger.WithField("track_id", t.ID).WithError(loadErrs[i]).Warn("Exporting track as silence")
			continue
		}

		chain, err := effects.NewChain(t.ID, t.Effects, e.cfg.Effects, func() float64 { return tempo })
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("track %s rendered without effects: %v", t.ID, err))
			chain = nil
		}
		element := media.NewElement(t.ID, e.cfg.SampleRate, clips[i])
		if err := element.Play(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ErrCancelled
			}
			return nil, nil, stageError(StageRendering, "failed to start track "+t.ID, err)
		}
		path := graph.NewPath(element, chain, gains[t.ID], t.Pan, float64(e.cfg.SampleRate), e.cfg.Effects.Smoothing)
		path.Snap()
		bus.Attach(path)

		if n := clips[i].Len() + e.cfg.SampleRate.N(tail(t.Effects)); n > total {
			total = n
		}
	}
	if bus.Len() == 0 {
		return nil, warnings, stageError(StageRendering, "no track could be decoded", nil)
	}

	out := make([][2]float64, total)
	lastPct := -1
	for pos := 0; pos < total; pos += renderBlock {
		if ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		end := min(pos+renderBlock, total)
		bus.Stream(out[pos:end])

		if pct := end * 100 / total; pct/5 != lastPct/5 {
			lastPct = pct
			progress(Progress{Stage: StageRendering, Percent: pct})
		}
	}
	return out, warnings, nil
}

// tail returns how long a track's time-based effects keep ringing
func tail(s models.EffectsSettings) time.Duration {
	var d time.Duration
	if s.Reverb.Enabled {
		d = time.Duration(s.Reverb.Decay * float64(time.Second))
	}
	if s.Delay.Enabled && s.Delay.Feedback > 0 {
		// repeats until the echo falls 60 dB below the input
		repeats := math.Ceil(math.Log(1e-3) / math.Log(s.Delay.Feedback))
		if dd := time.Duration(repeats * s.Delay.TimeMs * float64(time.Millisecond)); dd > d {
			d = dd
		}
	}
	return min(d, maxTail)
}

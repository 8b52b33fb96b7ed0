package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stemmix/internal/config"
	"stemmix/internal/export"
	"stemmix/internal/metadata"
	"stemmix/internal/mixstate"
	"stemmix/internal/preset"
	"stemmix/pkg/models"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// sessionFile is a song described on disk for offline rendering
type sessionFile struct {
	Key    string                   `toml:"key"`
	Tempo  float64                  `toml:"tempo"`
	Preset string                   `toml:"preset"`
	Master *masterSection           `toml:"master"`
	Tracks []models.TrackDescriptor `toml:"tracks"`
}

type masterSection struct {
	Volume *float64 `toml:"volume"`
}

var renderFlags struct {
	session string
	preset  string
	format  string
	quality string
	out     string
	restore bool
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a session file to a mixdown without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender()
	},
}

func init() {
	f := renderCmd.Flags()
	f.StringVar(&renderFlags.session, "session", "", "session file describing the stems (toml)")
	f.StringVar(&renderFlags.preset, "preset", "", "preset to apply, overrides the session file")
	f.StringVar(&renderFlags.format, "format", "", "output format: wav or mp3")
	f.StringVar(&renderFlags.quality, "quality", "", "quality tier: standard, high or studio")
	f.StringVar(&renderFlags.out, "out", "", "output directory, overrides the configured sink")
	f.BoolVar(&renderFlags.restore, "restore", false, "start from the saved mix of the session key, if any")
	renderCmd.MarkFlagRequired("session")
}

func runRender() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var sf sessionFile
	if _, err := toml.DecodeFile(renderFlags.session, &sf); err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}
	if len(sf.Tracks) == 0 {
		return errors.New("session file has no tracks")
	}

	descs := sf.Tracks
	if cfg.Media.InferCategories {
		descs = metadata.NewExtractor(cfg.Media.SupportedFormats, logger).Categorize(descs)
	}
	tracks := make([]models.Track, len(descs))
	for i, d := range descs {
		tracks[i] = d.ToTrack()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	master := models.Master{Volume: 1}
	if sf.Master != nil && sf.Master.Volume != nil {
		master.Volume = models.Clamp(*sf.Master.Volume, 0, 1)
	}

	restored, err := restoreMix(ctx, cfg, logger, sf.Key)
	if err != nil {
		return err
	}
	if restored != nil {
		tracks, master = restored.Restore(tracks), restored.Master
	} else {
		presetID := sf.Preset
		if renderFlags.preset != "" {
			presetID = renderFlags.preset
		}
		if presetID != "" {
			catalog, err := loadPresets(cfg, logger)
			if err != nil {
				return err
			}
			if master.Volume, err = applyPlan(catalog, presetID, tracks); err != nil {
				return err
			}
		}
	}

	opts := defaultExportOptions(cfg)
	if renderFlags.format != "" {
		opts.Format = export.Format(renderFlags.format)
		opts.BitrateKbps = 0
		if opts.Format == export.FormatMP3 {
			opts.BitrateKbps = cfg.Export.MP3BitrateKbps
		}
	}
	if renderFlags.quality != "" {
		opts.Quality = export.Quality(renderFlags.quality)
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	loader := newLoader(cfg, logger)
	defer loader.Close()
	sink, err := newSink(cfg, renderFlags.out)
	if err != nil {
		return err
	}
	exporter, err := newExporter(cfg, loader, sink, sf.Tempo, logger)
	if err != nil {
		return err
	}

	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(100,
		mpb.PrependDecorators(
			decor.Name("Exporting: "),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
		),
	)
	res, err := exporter.Export(ctx, tracks, master.Volume, opts, func(pr export.Progress) {
		bar.SetCurrent(int64(export.OverallProgress(pr)))
	})
	if err != nil {
		bar.Abort(false)
		p.Wait()
		return err
	}
	bar.SetCurrent(100)
	p.Wait()

	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	fmt.Printf("%s\n  duration %s, peak %.1f dBFS, loudness %.1f LUFS\n",
		res.URL, res.Duration.Round(time.Millisecond), res.PeakDB, res.LoudnessLUFS)
	return nil
}

// restoreMix loads the saved mix for key when --restore is set
func restoreMix(ctx context.Context, cfg *config.Config, logger *logrus.Logger, key string) (*mixstate.Snapshot, error) {
	if !renderFlags.restore {
		return nil, nil
	}
	if key == "" {
		return nil, errors.New("--restore needs a key in the session file")
	}
	st, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer st.close()

	snap, ok := mixstate.Load(ctx, st.store, key)
	if !ok {
		logger.WithField("key", key).Warn("No saved mix, rendering the session file as is")
		return nil, nil
	}
	return &snap, nil
}

// applyPlan writes a preset's plan into tracks and returns the master volume
func applyPlan(catalog *preset.Catalog, presetID string, tracks []models.Track) (float64, error) {
	plan, err := catalog.Apply(presetID, tracks)
	if err != nil {
		return 0, err
	}
	for i, u := range plan.Tracks {
		tracks[i].Volume = u.Volume
		tracks[i].Muted = u.Muted
		tracks[i].Effects = u.Effects
	}
	return plan.MasterVolume, nil
}

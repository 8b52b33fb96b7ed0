package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stemmix/internal/config"
	"stemmix/internal/export"
	"stemmix/internal/graph"
	"stemmix/internal/media"
	"stemmix/internal/metadata"
	"stemmix/internal/server"
	"stemmix/internal/session"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// historyRetention is how long finished export jobs stay in the database
const historyRetention = 30 * 24 * time.Hour

var headless bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mixing engine behind the HTTP control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&headless, "headless", false, "render to a null device instead of the speakers")
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if headless {
		cfg.Engine.Headless = true
	}

	st, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	catalog, err := loadPresets(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Presets.CatalogPath != "" && cfg.Presets.WatchForChanges {
		w, err := catalog.Watch(cfg.Presets.CatalogPath, logger)
		if err != nil {
			logger.WithError(err).Warn("Could not start preset watcher")
		} else {
			defer w.Close()
		}
	}

	loader := newLoader(cfg, logger)
	defer loader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actx := openAudioContext(ctx, cfg, logger)
	defer actx.Close()

	exports, err := newExportManager(cfg, loader, st, logger)
	if err != nil {
		return err
	}
	defer exports.Close()
	go cleanupLoop(ctx, cfg, exports, st, logger)

	fx := effectsOptions(cfg)
	sessions := session.NewManager(session.Deps{
		Context: actx,
		Loader:  loader,
		Presets: catalog,
		Store:   st.store,
		Exports: exports,
		Logger:  logger,
	}, session.Options{
		Effects:      fx,
		Smoothing:    fx.Smoothing,
		Sync:         syncConfig(cfg),
		SaveDebounce: config.Millis(cfg.Storage.DebounceMs),
	})

	deps := server.Deps{
		Sessions:  sessions,
		Exports:   exports,
		Presets:   catalog,
		Extractor: metadata.NewExtractor(cfg.Media.SupportedFormats, logger),
		Checks:    st.checks,
		Logger:    logger,
	}
	if st.db != nil {
		deps.History = st.db
	}
	mixServer := server.NewMixServer(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mixServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mixServer.Shutdown(shutdownCtx)
}

// openAudioContext picks the speaker or, headless, a null device pulled at
// the device rate
func openAudioContext(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *graph.Context {
	rate := beep.SampleRate(cfg.Engine.SampleRate)
	buffer := rate.N(config.Millis(cfg.Engine.BufferMs))

	if !cfg.Engine.Headless {
		return graph.NewContext(graph.SpeakerDevice{}, rate, buffer, logger)
	}

	device := graph.NewNullDevice()
	actx := graph.NewContext(device, rate, buffer, logger)
	go func() {
		// Run returns at once until the first session initializes the device
		for ctx.Err() == nil {
			device.Run(ctx)
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	logger.Info("Running headless")
	return actx
}

func newExportManager(cfg *config.Config, loader *media.Loader, st *storage, logger *logrus.Logger) (*export.Manager, error) {
	sink, err := newSink(cfg, "")
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(cfg, loader, sink, 0, logger)
	if err != nil {
		return nil, err
	}

	var recorder export.JobRecorder
	if st.db != nil {
		recorder = st.db
	}
	return export.NewManager(exporter, recorder, logger), nil
}

// cleanupLoop drops finished jobs from memory and old ones from history
func cleanupLoop(ctx context.Context, cfg *config.Config, exports *export.Manager, st *storage, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := exports.CleanupCompletedJobs(time.Duration(cfg.Export.JobRetention) * time.Minute); n > 0 {
				logger.WithField("jobs", n).Debug("Cleaned up finished export jobs")
			}
			if st.db != nil {
				if _, err := st.db.DeleteExportJobsBefore(time.Now().Add(-historyRetention)); err != nil {
					logger.WithError(err).Warn("Failed to prune export history")
				}
			}
		}
	}
}

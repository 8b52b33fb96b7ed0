package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stemmix/internal/config"
	"stemmix/internal/database"
	"stemmix/internal/effects"
	"stemmix/internal/export"
	"stemmix/internal/media"
	"stemmix/internal/mixstate"
	"stemmix/internal/preset"
	"stemmix/internal/server"
	"stemmix/internal/transport"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

// loadConfig reads the configuration and builds the process logger
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// storage is the configured mix state backend
type storage struct {
	store  mixstate.Store
	db     *database.Database // set for the sqlite backend only
	checks map[string]server.HealthCheck
	close  func()
}

func openStorage(cfg *config.Config, logger *logrus.Logger) (*storage, error) {
	st := &storage{checks: make(map[string]server.HealthCheck), close: func() {}}

	switch cfg.Storage.Backend {
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err := database.NewDatabase(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("error initializing database: %w", err)
		}
		st.store, st.db = db, db
		st.checks["database"] = db.Ping
		st.close = func() { db.Close() }
	case "redis":
		rs, err := mixstate.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, 0)
		if err != nil {
			return nil, err
		}
		st.store = rs
		st.checks["redis"] = rs.Ping
		st.close = func() { rs.Close() }
	default:
		st.store = mixstate.NewMemoryStore()
	}

	logger.WithField("backend", cfg.Storage.Backend).Info("Mix storage ready")
	return st, nil
}

// loadPresets builds the catalog and merges the user file, if any
func loadPresets(cfg *config.Config, logger *logrus.Logger) (*preset.Catalog, error) {
	catalog := preset.NewCatalog()
	if cfg.Presets.CatalogPath == "" {
		return catalog, nil
	}
	n, err := catalog.LoadInto(cfg.Presets.CatalogPath)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"preset_file": cfg.Presets.CatalogPath,
		"presets":     n,
	}).Info("Loaded user presets")
	return catalog, nil
}

func newLoader(cfg *config.Config, logger *logrus.Logger) *media.Loader {
	return media.NewLoader(media.LoaderConfig{
		SampleRate:   beep.SampleRate(cfg.Engine.SampleRate),
		FFmpegPath:   cfg.Media.FFmpegPath,
		FetchTimeout: time.Duration(cfg.Media.FetchTimeout) * time.Second,
		CacheTTL:     time.Duration(cfg.Media.CacheTTLMinutes) * time.Minute,
		CacheEntries: 32,
	}, logger)
}

func effectsOptions(cfg *config.Config) effects.Options {
	opts := effects.DefaultOptions(float64(cfg.Engine.SampleRate))
	if cfg.Engine.SmoothingMs > 0 {
		opts.Smoothing = time.Duration(cfg.Engine.SmoothingMs * float64(time.Millisecond))
	}
	if cfg.Engine.BypassRampMs > 0 {
		opts.BypassRamp = time.Duration(cfg.Engine.BypassRampMs * float64(time.Millisecond))
	}
	return opts
}

func syncConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		TickInterval:      time.Second / time.Duration(cfg.Engine.TickHz),
		SoftThreshold:     config.Millis(cfg.Engine.SoftDriftMs),
		CriticalThreshold: config.Millis(cfg.Engine.CriticalDriftMs),
		EndEpsilon:        config.Millis(cfg.Engine.EndEpsilonMs),
		Reference:         transport.ReferencePolicy(cfg.Engine.Reference),
	}
}

// newSink builds the configured delivery target. outDir overrides the
// configured output directory of the file sink.
func newSink(cfg *config.Config, outDir string) (export.Sink, error) {
	if cfg.Export.Sink == "minio" && outDir == "" {
		mc := cfg.Export.Minio
		return export.NewMinioSink(export.MinioConfig{
			Endpoint:  mc.Endpoint,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			Bucket:    mc.Bucket,
			Region:    mc.Region,
			UseSSL:    mc.UseSSL,
			URLExpiry: time.Duration(mc.URLExpiryMins) * time.Minute,
		})
	}
	if outDir == "" {
		outDir = cfg.Export.OutputDir
	}
	return export.NewFileSink(outDir)
}

func newExporter(cfg *config.Config, loader *media.Loader, sink export.Sink, tempo float64, logger *logrus.Logger) (*export.Exporter, error) {
	workDir := filepath.Join(os.TempDir(), "stemmix-work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return export.NewExporter(export.Config{
		SampleRate: beep.SampleRate(cfg.Engine.SampleRate),
		Effects:    effectsOptions(cfg),
		Tempo:      tempo,
		WorkDir:    workDir,
		FFmpegPath: cfg.Media.FFmpegPath,
	}, loader, sink, logger), nil
}

// defaultExportOptions maps the export section onto export options
func defaultExportOptions(cfg *config.Config) export.Options {
	opts := export.Options{
		Format:             export.Format(cfg.Export.Format),
		Quality:            export.Quality(cfg.Export.Quality),
		Normalize:          cfg.Export.Normalize,
		TargetLUFS:         cfg.Export.TargetLUFS,
		Limiter:            cfg.Export.Limiter,
		LimiterThresholdDb: cfg.Export.LimiterCeiling,
	}
	if opts.Format == export.FormatMP3 {
		opts.BitrateKbps = cfg.Export.MP3BitrateKbps
	}
	return opts
}

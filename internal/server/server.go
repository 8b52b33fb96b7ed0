// Package server exposes a mixing session over HTTP: JSON control routes
// and a WebSocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"stemmix/internal/config"
	"stemmix/internal/database"
	"stemmix/internal/export"
	"stemmix/internal/metadata"
	"stemmix/internal/preset"
	"stemmix/internal/session"

	"github.com/sirupsen/logrus"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// JobHistory reads persisted export jobs
type JobHistory interface {
	GetExportJob(id string) (*database.ExportJobRecord, error)
	ListExportJobs(sessionID string, limit int) ([]database.ExportJobRecord, error)
}

// Deps are the services the control surface drives
type Deps struct {
	Sessions  *session.Manager
	Exports   *export.Manager // nil when export is disabled
	Presets   *preset.Catalog
	History   JobHistory             // nil when jobs are not persisted
	Extractor *metadata.Extractor    // nil disables category inference
	Checks    map[string]HealthCheck // dependency name to check
	Logger    *logrus.Logger
}

// MixServer is the HTTP control surface of the engine
type MixServer struct {
	config    *config.Config
	sessions  *session.Manager
	exports   *export.Manager
	presets   *preset.Catalog
	history   JobHistory
	extractor *metadata.Extractor
	checks    map[string]HealthCheck
	logger    *logrus.Logger

	mux        *http.ServeMux
	httpServer *http.Server
	started    time.Time
}

// NewMixServer creates a server instance with its routes registered
func NewMixServer(cfg *config.Config, deps Deps) *MixServer {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	presets := deps.Presets
	if presets == nil {
		presets = preset.NewCatalog()
	}

	ms := &MixServer{
		config:    cfg,
		sessions:  deps.Sessions,
		exports:   deps.Exports,
		presets:   presets,
		history:   deps.History,
		extractor: deps.Extractor,
		checks:    deps.Checks,
		logger:    logger,
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}
	ms.setupRoutes()
	ms.httpServer = &http.Server{
		Addr:              cfg.GetAddress(),
		Handler:           ms.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}
	return ms
}

// Handler returns the routes wrapped in the middleware stack
func (ms *MixServer) Handler() http.Handler {
	var h http.Handler = ms.mux
	h = ms.corsMiddleware(h)
	h = ms.requestLoggingMiddleware(h)
	h = ms.panicRecoveryMiddleware(h)
	return h
}

func (ms *MixServer) setupRoutes() {
	ms.mux.HandleFunc("GET /health", ms.handleHealthCheck)
	ms.mux.HandleFunc("GET /api/config", ms.handleGetConfig)

	// Session routes
	ms.mux.HandleFunc("POST /api/sessions", ms.handleOpenSession)
	ms.mux.HandleFunc("GET /api/sessions/{id}", ms.handleGetSession)
	ms.mux.HandleFunc("DELETE /api/sessions/{id}", ms.handleCloseSession)
	ms.mux.HandleFunc("PUT /api/sessions/{id}/tracks", ms.handleSetTracks)
	ms.mux.HandleFunc("POST /api/sessions/{id}/transport", ms.handleTransport)
	ms.mux.HandleFunc("PATCH /api/sessions/{id}/tracks/{trackID}", ms.handleUpdateTrack)
	ms.mux.HandleFunc("PATCH /api/sessions/{id}/tracks/{trackID}/effects", ms.handleUpdateEffects)
	ms.mux.HandleFunc("PATCH /api/sessions/{id}/master", ms.handleUpdateMaster)
	ms.mux.HandleFunc("POST /api/sessions/{id}/tempo", ms.handleSetTempo)
	ms.mux.HandleFunc("GET /api/sessions/{id}/meters", ms.handleGetMeters)
	ms.mux.HandleFunc("GET /api/sessions/{id}/events", ms.handleEvents)

	// Preset routes
	ms.mux.HandleFunc("GET /api/presets", ms.handleGetPresets)
	ms.mux.HandleFunc("POST /api/sessions/{id}/preset", ms.handleApplyPreset)

	// Export routes
	ms.mux.HandleFunc("POST /api/sessions/{id}/export", ms.handleStartExport)
	ms.mux.HandleFunc("GET /api/exports", ms.handleGetExports)
	ms.mux.HandleFunc("GET /api/exports/{jobID}", ms.handleGetExport)
	ms.mux.HandleFunc("DELETE /api/exports/{jobID}", ms.handleCancelExport)
}

// Start serves HTTP until Shutdown is called
func (ms *MixServer) Start() error {
	ms.logger.WithFields(logrus.Fields{
		"address":    ms.config.GetAddress(),
		"cors":       ms.config.Server.EnableCORS,
		"headless":   ms.config.Engine.Headless,
		"exports":    ms.exports != nil,
		"presets":    len(ms.presets.List()),
		"local_url":  "http://" + ms.config.GetAddress(),
		"storage":    ms.config.Storage.Backend,
		"export_via": ms.config.Export.Sink,
	}).Info("Mix server starting")

	if err := ms.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes the open session
func (ms *MixServer) Shutdown(ctx context.Context) error {
	ms.logger.Info("Shutting down mix server...")

	err := ms.httpServer.Shutdown(ctx)
	if ms.sessions != nil {
		if serr := ms.sessions.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}

	ms.logger.Info("Mix server shutdown complete")
	return err
}

package server

import (
	"net/http"

	"stemmix/internal/export"
	"stemmix/pkg/models"
)

// ConfigResponse describes what the engine supports
type ConfigResponse struct {
	SampleRate      int                   `json:"sampleRate"`
	Headless        bool                  `json:"headless"`
	Formats         []string              `json:"supportedFormats"`
	StemCategories  []models.StemCategory `json:"stemCategories"`
	ExportEnabled   bool                  `json:"exportEnabled"`
	ExportFormats   []export.Format       `json:"exportFormats"`
	ExportQualities []export.Quality      `json:"exportQualities"`
	DefaultPreset   string                `json:"defaultPreset,omitempty"`
}

// handleGetConfig returns the engine capabilities a client needs to build
// its controls
func (ms *MixServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ms.respondJSON(w, ConfigResponse{
		SampleRate:      ms.config.Engine.SampleRate,
		Headless:        ms.config.Engine.Headless,
		Formats:         ms.config.Media.SupportedFormats,
		StemCategories:  models.AllStemCategories,
		ExportEnabled:   ms.exports != nil,
		ExportFormats:   []export.Format{export.FormatWAV, export.FormatMP3},
		ExportQualities: []export.Quality{export.QualityStandard, export.QualityHigh, export.QualityStudio},
		DefaultPreset:   ms.config.Presets.Default,
	})
}

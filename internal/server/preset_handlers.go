package server

import (
	"net/http"
)

// handleGetPresets lists the built-in and user presets
func (ms *MixServer) handleGetPresets(w http.ResponseWriter, r *http.Request) {
	ms.respondJSON(w, map[string]any{
		"presets": ms.presets.List(),
		"default": ms.config.Presets.Default,
	})
}

// handleApplyPreset rewrites the session's mix from a preset
func (ms *MixServer) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if verr := decodeJSON(w, r, &req); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	req.ID = sanitizeInput(req.ID)
	if verr := validateID("id", req.ID); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	plan, err := s.ApplyPreset(req.ID)
	if err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}
	ms.respondJSON(w, map[string]any{"plan": plan, "session": s.Snapshot()})
}

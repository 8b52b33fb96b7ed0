package server

import (
	"context"
	"net/http"
	"time"

	"stemmix/internal/session"
	"stemmix/pkg/models"

	"github.com/sirupsen/logrus"
)

// sessionFromPath resolves the {id} path value to the open session
func (ms *MixServer) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	if verr := validateID("id", id); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return nil, false
	}
	s, ok := ms.sessions.Get(id)
	if !ok {
		ms.respondWithError(w, r, http.StatusNotFound, "Session not found", nil)
		return nil, false
	}
	return s, true
}

// categorize infers missing stem categories when enabled
func (ms *MixServer) categorize(descs []models.TrackDescriptor) []models.TrackDescriptor {
	if ms.extractor == nil || !ms.config.Media.InferCategories {
		return descs
	}
	return ms.extractor.Categorize(descs)
}

// handleOpenSession opens a session for a song, closing the previous one
func (ms *MixServer) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req session.OpenRequest
	if verr := decodeJSON(w, r, &req); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if errs := validateOpenRequest(&req); len(errs) > 0 {
		ms.respondWithValidationError(w, r, errs)
		return
	}
	if req.Preset == "" {
		req.Preset = ms.config.Presets.Default
	}
	req.Tracks = ms.categorize(req.Tracks)

	s, err := ms.sessions.Open(req)
	if err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}

	ms.logger.WithFields(logrus.Fields{
		"session_id": s.ID(),
		"key":        req.Key,
		"tracks":     len(req.Tracks),
	}).Info("Session opened over HTTP")

	ms.writeJSON(w, http.StatusCreated, s.Snapshot())
}

// handleGetSession returns tracks, master, transport and load state
func (ms *MixServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	ms.respondJSON(w, s.Snapshot())
}

// handleCloseSession closes a session and flushes its saved mix
func (ms *MixServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := ms.sessions.Close(ctx, s.ID()); err != nil {
		ms.respondWithError(w, r, http.StatusInternalServerError, "Session closed but the mix could not be saved", err)
		return
	}
	ms.respondJSON(w, map[string]any{"success": true, "sessionId": s.ID()})
}

// handleSetTracks replaces the track list, e.g. when more stems finish
// separating
func (ms *MixServer) handleSetTracks(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Tracks []models.TrackDescriptor `json:"tracks"`
	}
	if verr := decodeJSON(w, r, &body); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	req := session.OpenRequest{Tracks: body.Tracks}
	if errs := validateOpenRequest(&req); len(errs) > 0 {
		ms.respondWithValidationError(w, r, errs)
		return
	}
	if err := s.SetTracks(ms.categorize(req.Tracks)); err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}
	ms.respondJSON(w, s.Snapshot())
}

// TransportRequest drives playback
type TransportRequest struct {
	Action string  `json:"action"` // play, pause, stop or seek
	Time   float64 `json:"time"`   // seconds, for seek
}

// handleTransport plays, pauses, stops or seeks every track together
func (ms *MixServer) handleTransport(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req TransportRequest
	if verr := decodeJSON(w, r, &req); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	switch req.Action {
	case "play":
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.Play(ctx); err != nil {
			ms.respondWithEngineError(w, r, err)
			return
		}
	case "pause":
		s.Pause()
	case "stop":
		s.Stop()
	case "seek":
		if !inRange(req.Time, 0, 24*60*60) {
			ms.respondWithValidationError(w, r, []ValidationError{{
				Field:   "time",
				Message: "Seek time must be a non-negative number of seconds",
				Code:    "INVALID_SEEK_TIME",
			}})
			return
		}
		s.Seek(time.Duration(req.Time * float64(time.Second)))
	default:
		ms.respondWithValidationError(w, r, []ValidationError{{
			Field:   "action",
			Message: "Action must be play, pause, stop or seek",
			Code:    "INVALID_ACTION",
		}})
		return
	}
	ms.respondJSON(w, s.Snapshot().Transport)
}

// handleUpdateTrack changes volume, pan, mute or solo of one track
func (ms *MixServer) handleUpdateTrack(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	trackID := r.PathValue("trackID")
	if verr := validateID("trackID", trackID); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	var patch session.TrackPatch
	if verr := decodeJSON(w, r, &patch); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if errs := validateTrackPatch(patch); len(errs) > 0 {
		ms.respondWithValidationError(w, r, errs)
		return
	}

	track, err := s.UpdateTrack(trackID, patch)
	if err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}
	ms.respondJSON(w, track)
}

// EffectsRequest is an effects patch plus the optional whole-chain bypass
type EffectsRequest struct {
	models.EffectsPatch
	Bypass *bool `json:"bypass,omitempty"`
}

// handleUpdateEffects merges an effects patch into a track's chain
func (ms *MixServer) handleUpdateEffects(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	trackID := r.PathValue("trackID")
	if verr := validateID("trackID", trackID); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	var req EffectsRequest
	if verr := decodeJSON(w, r, &req); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if req.EffectsPatch.IsEmpty() && req.Bypass == nil {
		ms.respondWithValidationError(w, r, []ValidationError{{Field: "body", Message: "Nothing to update", Code: "EMPTY_PATCH"}})
		return
	}

	if req.Bypass != nil {
		if err := s.SetBypass(trackID, *req.Bypass); err != nil {
			ms.respondWithEngineError(w, r, err)
			return
		}
	}
	var settings models.EffectsSettings
	if !req.EffectsPatch.IsEmpty() {
		var err error
		settings, err = s.UpdateEffects(trackID, req.EffectsPatch)
		if err != nil {
			ms.respondWithEngineError(w, r, err)
			return
		}
	} else {
		for _, t := range s.Tracks() {
			if t.ID == trackID {
				settings = t.Effects
			}
		}
	}
	ms.respondJSON(w, map[string]any{"trackId": trackID, "effects": settings, "bypass": req.Bypass})
}

// handleUpdateMaster changes master volume or mute
func (ms *MixServer) handleUpdateMaster(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	var patch session.MasterPatch
	if verr := decodeJSON(w, r, &patch); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if patch.Volume != nil && !inRange(*patch.Volume, 0, 1) {
		ms.respondWithValidationError(w, r, []ValidationError{{Field: "volume", Message: "Volume must be between 0 and 1", Code: "INVALID_VOLUME"}})
		return
	}

	master, err := s.SetMaster(patch)
	if err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}
	ms.respondJSON(w, master)
}

// handleSetTempo sets the BPM that tempo-synced delays follow
func (ms *MixServer) handleSetTempo(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		BPM float64 `json:"bpm"`
	}
	if verr := decodeJSON(w, r, &body); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if !inRange(body.BPM, 0, 400) {
		ms.respondWithValidationError(w, r, []ValidationError{{Field: "bpm", Message: "Tempo must be between 0 and 400 BPM", Code: "INVALID_TEMPO"}})
		return
	}
	s.SetTempo(body.BPM)
	ms.respondJSON(w, map[string]float64{"bpm": body.BPM})
}

// handleGetMeters returns per-track and master analysis snapshots
func (ms *MixServer) handleGetMeters(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}
	ms.respondJSON(w, s.Meters())
}

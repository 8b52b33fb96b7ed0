package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"stemmix/internal/export"
	"stemmix/internal/graph"
	"stemmix/internal/preset"
	"stemmix/internal/session"

	"github.com/sirupsen/logrus"
)

const (
	// maxBodyBytes limits request bodies
	maxBodyBytes = 1 << 20
	maxIDLength  = 128
	maxTracks    = 64
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (ms *MixServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	ms.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	ms.writeJSON(w, http.StatusBadRequest, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (ms *MixServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := ms.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	response := map[string]any{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	if err != nil && statusCode < 500 {
		response["detail"] = err.Error()
	}
	ms.writeJSON(w, statusCode, response)
}

// respondWithEngineError maps an engine error onto an HTTP status
func (ms *MixServer) respondWithEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var exportErr *export.Error
	switch {
	case errors.Is(err, session.ErrUnknownTrack):
		ms.respondWithError(w, r, http.StatusNotFound, "Track not found", err)
	case errors.Is(err, preset.ErrUnknownPreset):
		ms.respondWithError(w, r, http.StatusNotFound, "Preset not found", err)
	case errors.Is(err, session.ErrClosed):
		ms.respondWithError(w, r, http.StatusGone, "Session closed", err)
	case errors.Is(err, graph.ErrContextBusy):
		ms.respondWithError(w, r, http.StatusConflict, "Audio context busy", err)
	case errors.Is(err, export.ErrNoActiveTracks):
		ms.respondWithError(w, r, http.StatusUnprocessableEntity, "Nothing to export: every track is muted, silenced or unloaded", err)
	case errors.Is(err, session.ErrExportUnavailable):
		ms.respondWithError(w, r, http.StatusServiceUnavailable, "Export is not configured", err)
	case errors.As(err, &exportErr):
		ms.respondWithError(w, r, http.StatusInternalServerError, "Export failed during "+string(exportErr.Stage), err)
	default:
		ms.respondWithError(w, r, http.StatusInternalServerError, "Internal error", err)
	}
}

// respondJSON writes v with a 200 status
func (ms *MixServer) respondJSON(w http.ResponseWriter, v any) {
	ms.writeJSON(w, http.StatusOK, v)
}

func (ms *MixServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ms.logger.WithError(err).Warn("Failed to encode response")
	}
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *ValidationError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("Invalid JSON: %v", err),
			Code:    "INVALID_JSON",
		}
	}
	return nil
}

// validateID validates a session, track, preset or job identifier
func validateID(field, id string) *ValidationError {
	if id == "" {
		return &ValidationError{
			Field:   field,
			Message: field + " is required",
			Code:    "MISSING_" + strings.ToUpper(field),
		}
	}
	if len(id) > maxIDLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s too long (max %d characters)", field, maxIDLength),
			Code:    strings.ToUpper(field) + "_TOO_LONG",
		}
	}
	if strings.ContainsAny(id, "\x00\n\r/") {
		return &ValidationError{
			Field:   field,
			Message: field + " contains invalid characters",
			Code:    "INVALID_" + strings.ToUpper(field) + "_CHARACTERS",
		}
	}
	return nil
}

// validateOpenRequest checks the descriptors of a new session
func validateOpenRequest(req *session.OpenRequest) []ValidationError {
	var errs []ValidationError

	req.Key = sanitizeInput(req.Key)
	if len(req.Key) > maxIDLength {
		errs = append(errs, ValidationError{Field: "key", Message: "Key too long", Code: "KEY_TOO_LONG"})
	}
	if len(req.Tracks) > maxTracks {
		errs = append(errs, ValidationError{
			Field:   "tracks",
			Message: fmt.Sprintf("Too many tracks (max %d)", maxTracks),
			Code:    "TOO_MANY_TRACKS",
		})
	}
	if req.Tempo < 0 || req.Tempo > 400 {
		errs = append(errs, ValidationError{Field: "tempo", Message: "Tempo must be between 0 and 400 BPM", Code: "INVALID_TEMPO"})
	}
	if req.Master != nil && !inRange(req.Master.Volume, 0, 1) {
		errs = append(errs, ValidationError{Field: "master.volume", Message: "Volume must be between 0 and 1", Code: "INVALID_VOLUME"})
	}

	seen := make(map[string]bool)
	for i, d := range req.Tracks {
		field := fmt.Sprintf("tracks[%d]", i)
		req.Tracks[i].ID = sanitizeInput(d.ID)
		if verr := validateID(field+".id", req.Tracks[i].ID); verr != nil {
			errs = append(errs, *verr)
			continue
		}
		if seen[req.Tracks[i].ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "Duplicate track id", Code: "DUPLICATE_TRACK_ID"})
		}
		seen[req.Tracks[i].ID] = true
		if d.Volume != nil && !inRange(*d.Volume, 0, 1) {
			errs = append(errs, ValidationError{Field: field + ".volume", Message: "Volume must be between 0 and 1", Code: "INVALID_VOLUME"})
		}
		if !inRange(d.Pan, -1, 1) {
			errs = append(errs, ValidationError{Field: field + ".pan", Message: "Pan must be between -1 and 1", Code: "INVALID_PAN"})
		}
	}
	return errs
}

// validateTrackPatch rejects out-of-range controls instead of clamping them
func validateTrackPatch(p session.TrackPatch) []ValidationError {
	var errs []ValidationError
	if p.Volume != nil && !inRange(*p.Volume, 0, 1) {
		errs = append(errs, ValidationError{Field: "volume", Message: "Volume must be between 0 and 1", Code: "INVALID_VOLUME"})
	}
	if p.Pan != nil && !inRange(*p.Pan, -1, 1) {
		errs = append(errs, ValidationError{Field: "pan", Message: "Pan must be between -1 and 1", Code: "INVALID_PAN"})
	}
	if p.Volume == nil && p.Pan == nil && p.Muted == nil && p.Solo == nil {
		errs = append(errs, ValidationError{Field: "body", Message: "Nothing to update", Code: "EMPTY_PATCH"})
	}
	return errs
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

package server

import (
	"net/http"
	"strconv"

	"stemmix/internal/export"

	"github.com/sirupsen/logrus"
)

// defaultExportOptions returns the configured export defaults
func (ms *MixServer) defaultExportOptions() export.Options {
	ec := ms.config.Export
	return export.Options{
		Format:             export.Format(ec.Format),
		Quality:            export.Quality(ec.Quality),
		BitrateKbps:        ec.MP3BitrateKbps,
		Normalize:          ec.Normalize,
		TargetLUFS:         ec.TargetLUFS,
		Limiter:            ec.Limiter,
		LimiterThresholdDb: ec.LimiterCeiling,
	}
}

// handleStartExport renders the session's current mix in the background.
// Fields missing from the body fall back to the configured defaults.
func (ms *MixServer) handleStartExport(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}

	opts := ms.defaultExportOptions()
	if r.ContentLength != 0 {
		if verr := decodeJSON(w, r, &opts); verr != nil {
			ms.respondWithValidationError(w, r, []ValidationError{*verr})
			return
		}
	}
	if opts.Format == export.FormatWAV {
		opts.BitrateKbps = 0
	}
	check := opts
	if err := check.Validate(); err != nil {
		ms.respondWithValidationError(w, r, []ValidationError{{
			Field:   "options",
			Message: err.Error(),
			Code:    "INVALID_EXPORT_OPTIONS",
		}})
		return
	}

	job, err := s.Export(opts)
	if err != nil {
		ms.respondWithEngineError(w, r, err)
		return
	}

	ms.logger.WithFields(logrus.Fields{
		"session_id": s.ID(),
		"job_id":     job.ID,
	}).Info("Export requested")
	ms.writeJSON(w, http.StatusAccepted, job)
}

// handleGetExport returns a job from memory, or from history once it has
// been cleaned up
func (ms *MixServer) handleGetExport(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if verr := validateID("jobID", jobID); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	if ms.exports != nil {
		if job, ok := ms.exports.GetJob(jobID); ok {
			ms.respondJSON(w, job)
			return
		}
	}
	if ms.history != nil {
		if rec, err := ms.history.GetExportJob(jobID); err == nil {
			ms.respondJSON(w, rec)
			return
		}
	}
	ms.respondWithError(w, r, http.StatusNotFound, "Export job not found", nil)
}

// handleGetExports lists jobs, optionally for one session. ?history=true
// reads persisted jobs instead of the in-memory ones.
func (ms *MixServer) handleGetExports(w http.ResponseWriter, r *http.Request) {
	sessionID := sanitizeInput(r.URL.Query().Get("session"))

	if r.URL.Query().Get("history") == "true" {
		if ms.history == nil {
			ms.respondWithError(w, r, http.StatusNotFound, "Export history is not persisted", nil)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := ms.history.ListExportJobs(sessionID, limit)
		if err != nil {
			ms.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving export history", err)
			return
		}
		ms.respondJSON(w, map[string]any{"jobs": recs})
		return
	}

	jobs := []export.Job{}
	if ms.exports != nil {
		for _, j := range ms.exports.GetAllJobs() {
			if sessionID == "" || j.SessionID == sessionID {
				jobs = append(jobs, j)
			}
		}
	}
	ms.respondJSON(w, map[string]any{"jobs": jobs})
}

// handleCancelExport cancels a running job
func (ms *MixServer) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if verr := validateID("jobID", jobID); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if ms.exports == nil {
		ms.respondWithError(w, r, http.StatusServiceUnavailable, "Export is not configured", nil)
		return
	}
	if err := ms.exports.Cancel(jobID); err != nil {
		ms.respondWithError(w, r, http.StatusNotFound, "Export job not found", err)
		return
	}
	ms.respondJSON(w, map[string]any{"success": true, "jobId": jobID})
}

package server

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds each dependency check
const healthTimeout = 2 * time.Second

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Uptime        string            `json:"uptime"`
	Checks        map[string]string `json:"checks"`
	ActiveSession string            `json:"activeSession,omitempty"`
	RunningExport int               `json:"runningExports"`
	Details       map[string]any    `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (ms *MixServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(ms.started).Round(time.Second).String(),
		Checks:    make(map[string]string),
		Details:   make(map[string]any),
	}

	for name, check := range ms.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			health.Status = "unhealthy"
			health.Checks[name] = "error"
			health.Details[name+"_error"] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}

	if ms.sessions != nil {
		if s := ms.sessions.Current(); s != nil {
			health.ActiveSession = s.ID()
		}
	}
	if ms.exports != nil {
		for _, j := range ms.exports.GetAllJobs() {
			if !j.Status.Terminal() {
				health.RunningExport++
			}
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	ms.writeJSON(w, status, health)
}

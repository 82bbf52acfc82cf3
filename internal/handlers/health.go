package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is a dependency the service cannot work without.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler reports the state of the backing services.
type HealthHandler struct {
	checks  map[string]HealthChecker
	version string
	started time.Time
}

// NewHealthHandler creates a health handler over the named checks.
func NewHealthHandler(checks map[string]HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		version: version,
		started: time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Version  string            `json:"version"`
	Uptime   string            `json:"uptime"`
}

// Health checks every dependency and reports each one.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string, len(h.checks))
	overallStatus := "healthy"

	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			services[name] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
			continue
		}
		services[name] = "healthy"
	}

	response := HealthResponse{
		Status:   overallStatus,
		Services: services,
		Version:  h.version,
		Uptime:   time.Since(h.started).String(),
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, response)
}

// Readiness fails fast on the first dependency that is down.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Liveness only reports that the process is serving.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.started).String(),
	})
}

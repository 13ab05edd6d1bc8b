package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"emotion-server/pkg/errors"
	"emotion-server/pkg/version"
)

const readinessTimeout = 2 * time.Second

// CheckResult represents an individual readiness check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadinessStatus is the /health/ready document
type ReadinessStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// SystemInfo contains process resource information
type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
}

// LivenessHandler answers the kubernetes liveness check
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler runs the registered checks. Models are loaded before the
// server starts, so with no failing critical check the process is ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := append([]readinessEntry(nil), s.readiness...)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	result := ReadinessStatus{Status: "ready", Checks: make(map[string]CheckResult, len(checks))}
	statusCode := http.StatusOK
	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			if c.critical {
				result.Status = "not ready"
				statusCode = http.StatusServiceUnavailable
			} else if result.Status == "ready" {
				result.Status = "degraded"
			}
			result.Checks[c.name] = CheckResult{Status: "unhealthy", Message: err.Error()}
			continue
		}
		result.Checks[c.name] = CheckResult{Status: "healthy"}
	}

	errors.WriteJSON(w, statusCode, result)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := map[string]interface{}{
		"status":     "ok",
		"service":    s.config.Name,
		"version":    version.Version,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"started_at": s.startTime.UTC().Format(time.RFC3339),
		"system": SystemInfo{
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   mem.Alloc / 1024 / 1024,
			CPUCount:   runtime.NumCPU(),
		},
	}

	s.mu.RLock()
	for name, provider := range s.status {
		status[name] = provider()
	}
	s.mu.RUnlock()

	errors.WriteJSON(w, http.StatusOK, status)
}

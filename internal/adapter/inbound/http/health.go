package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/formbridge/formbridge/internal/domain/session"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	pool      *session.Pool
	workflows func() int
	version   string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(pool *session.Pool, workflows func() int, version string) *HealthChecker {
	return &HealthChecker{
		pool:      pool,
		workflows: workflows,
		version:   version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.pool != nil {
		// Len() acquires the pool lock - if this hangs, we have a problem
		size := h.pool.Len()
		inUse := h.pool.InUseCount()
		capacity := h.pool.Capacity()
		checks["session_pool"] = fmt.Sprintf("ok: %d/%d (%d in use)", size, capacity, inUse)

		if capacity > 0 && size >= capacity && inUse >= capacity {
			// Every slot held by an in-flight workflow - new owners will be
			// rejected until one releases.
			checks["session_pool"] = fmt.Sprintf("saturated: %d/%d (%d in use)", size, capacity, inUse)
			healthy = false
		}
	} else {
		checks["session_pool"] = "not configured"
	}

	if h.workflows != nil {
		checks["workflows"] = fmt.Sprintf("%d active", h.workflows())
	} else {
		checks["workflows"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
